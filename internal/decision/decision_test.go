package decision

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		probability float64
		anomaly     bool
		want        domain.Verdict
	}{
		{"Low", 0.1, false, domain.VerdictAllow},
		{"ReviewBoundaryIsAllow", 0.4, false, domain.VerdictAllow},
		{"JustAboveReview", 0.4000001, false, domain.VerdictReview},
		{"DenyBoundaryIsReview", 0.8, false, domain.VerdictReview},
		{"JustAboveDeny", 0.8000001, false, domain.VerdictDeny},
		{"AnomalyEscalatesLowScore", 0.05, true, domain.VerdictReview},
		{"AnomalyDoesNotLowerDeny", 0.95, true, domain.VerdictDeny},
		{"AnomalyAtZero", 0, true, domain.VerdictReview},
		{"Certain", 1, false, domain.VerdictDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.probability, tt.anomaly); got != tt.want {
				t.Errorf("Decide(%v, %v) = %s, want %s", tt.probability, tt.anomaly, got, tt.want)
			}
		})
	}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor()
	ctx := context.Background()

	baseTx := func() *domain.Transaction {
		return &domain.Transaction{
			ID:             "tx-001",
			Type:           domain.TypePayment,
			Amount:         100,
			OldBalanceOrig: 500,
			NewBalanceOrig: 400,
		}
	}

	t.Run("AllowNotFlagged", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.1, Verdict: domain.VerdictAllow},
		})

		if rec.IsFlagged {
			t.Error("expected allow without anomaly to be unflagged")
		}
		if rec.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW, got %s", rec.RiskLevel)
		}
		if rec.TenantID != "tenant-001" {
			t.Errorf("expected tenantID 'tenant-001', got '%s'", rec.TenantID)
		}
		if rec.ID != "tx-001" {
			t.Errorf("expected ID 'tx-001', got '%s'", rec.ID)
		}
		if rec.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	})

	t.Run("DenyFlagged", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.9, Verdict: domain.VerdictDeny},
		})
		if !rec.IsFlagged {
			t.Error("expected DENY to be flagged")
		}
		if rec.RiskLevel != domain.RiskCritical {
			t.Errorf("expected CRITICAL, got %s", rec.RiskLevel)
		}
		if !ShouldAlert(rec) {
			t.Error("expected alert for flagged record")
		}
		if len(rec.Reasons) != 1 || rec.Reasons[0] != "fraud probability above deny threshold" {
			t.Errorf("unexpected reasons: %v", rec.Reasons)
		}
	})

	t.Run("DegradedCarried", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.5, Verdict: domain.VerdictReview, Degraded: true},
		})
		if !rec.Degraded {
			t.Error("expected degraded to be carried onto the record")
		}
		resp := rec.ToResponse()
		if !resp.Degraded {
			t.Error("expected degraded in the response")
		}
		if len(resp.Reasons) != 1 || resp.Reasons[0] != "fraud probability above review threshold" {
			t.Errorf("unexpected reasons: %v", resp.Reasons)
		}
	})

	t.Run("ReviewWithoutAnomalyNotFlagged", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.5, Verdict: domain.VerdictReview},
		})
		if rec.IsFlagged {
			t.Error("expected REVIEW without anomaly to be unflagged")
		}
		if rec.RiskLevel != domain.RiskHigh {
			t.Errorf("expected HIGH, got %s", rec.RiskLevel)
		}
	})

	t.Run("AnomalyFlagged", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.1, Verdict: domain.VerdictReview, AnomalyDetected: true},
		})
		if !rec.IsFlagged {
			t.Error("expected anomaly to be flagged")
		}
		if len(rec.Reasons) != 1 || rec.Reasons[0] != "anomalous transaction profile" {
			t.Errorf("unexpected reasons: %v", rec.Reasons)
		}
	})

	t.Run("RuleFailureFlagsWithoutChangingVerdict", func(t *testing.T) {
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{RiskScore: 0.1, Verdict: domain.VerdictAllow},
			RuleResults: []domain.RuleResult{
				{RuleID: "rule-1", SubRuleRef: domain.RuleOutcomePass},
				{RuleID: "rule-2", SubRuleRef: domain.RuleOutcomeFail, Reason: "blocked corridor"},
			},
		})
		if !rec.IsFlagged {
			t.Error("expected rule failure to flag")
		}
		if rec.Verdict != domain.VerdictAllow {
			t.Errorf("rules must not change verdict, got %s", rec.Verdict)
		}
		if len(rec.Reasons) != 1 || rec.Reasons[0] != "blocked corridor" {
			t.Errorf("unexpected reasons: %v", rec.Reasons)
		}
	})

	t.Run("RuleFailureIgnoredWhenDisabled", func(t *testing.T) {
		lenient := &Processor{FlagOnRuleFailure: false}
		rec := lenient.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: baseTx(),
			Assessment:  &domain.Assessment{Verdict: domain.VerdictAllow},
			RuleResults: []domain.RuleResult{{RuleID: "rule-2", SubRuleRef: domain.RuleOutcomeFail}},
		})
		if rec.IsFlagged {
			t.Error("expected rule failure to be ignored")
		}
	})

	t.Run("GeneratesID", func(t *testing.T) {
		tx := baseTx()
		tx.ID = ""
		rec := proc.Process(ctx, &DecisionInput{
			TenantID:    "tenant-001",
			Transaction: tx,
			Assessment:  &domain.Assessment{Verdict: domain.VerdictAllow, Timestamp: time.Now()},
		})
		if rec.ID == "" {
			t.Error("expected generated ID")
		}
		if tx.ID != "" {
			t.Error("input transaction must not be modified")
		}
	})
}

func TestRiskLevelFor(t *testing.T) {
	tests := map[domain.Verdict]domain.RiskLevel{
		domain.VerdictAllow:  domain.RiskLow,
		domain.VerdictReview: domain.RiskHigh,
		domain.VerdictDeny:   domain.RiskCritical,
		"UNKNOWN":            domain.RiskMedium,
	}
	for verdict, want := range tests {
		if got := domain.RiskLevelFor(verdict); got != want {
			t.Errorf("RiskLevelFor(%s) = %s, want %s", verdict, got, want)
		}
	}
}
