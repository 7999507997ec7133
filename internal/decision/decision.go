// Package decision turns fused model output into a verdict and assembles
// the record that is persisted and published for a scored transaction.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/aegisflow/internal/domain"
)

// Verdict thresholds. Comparisons are strict.
const (
	DenyThreshold   = 0.8
	ReviewThreshold = 0.4
)

// Decide maps a fraud probability and anomaly flag to a verdict.
func Decide(probability float64, anomaly bool) domain.Verdict {
	switch {
	case probability > DenyThreshold:
		return domain.VerdictDeny
	case probability > ReviewThreshold || anomaly:
		return domain.VerdictReview
	default:
		return domain.VerdictAllow
	}
}

// Processor assembles scored transactions into persisted records.
type Processor struct {
	// FlagOnRuleFailure marks a record flagged when any policy rule fails.
	FlagOnRuleFailure bool
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		FlagOnRuleFailure: true,
	}
}

// DecisionInput contains all data needed to build a record.
type DecisionInput struct {
	TenantID    string
	Transaction *domain.Transaction
	Assessment  *domain.Assessment
	RuleResults []domain.RuleResult
}

// Process builds the record for a scored transaction. The verdict is
// taken from the assessment unchanged; rules only affect flagging.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.TransactionRecord {
	tx := *input.Transaction
	tx.TenantID = input.TenantID
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	a := input.Assessment
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec := &domain.TransactionRecord{
		Transaction:     tx,
		RiskScore:       a.RiskScore,
		RiskLevel:       domain.RiskLevelFor(a.Verdict),
		Verdict:         a.Verdict,
		AnomalyDetected: a.AnomalyDetected,
		Explanation:     a.Explanation,
		RuleViolations:  input.RuleResults,
		Degraded:        a.Degraded,
		ModelVersion:    a.ModelVersion,
		Timestamp:       ts,
	}
	rec.IsFlagged = p.flagged(rec)
	rec.Reasons = Reasons(rec)

	return rec
}

func (p *Processor) flagged(rec *domain.TransactionRecord) bool {
	if rec.AnomalyDetected || rec.Verdict == domain.VerdictDeny {
		return true
	}
	if p.FlagOnRuleFailure {
		for _, r := range rec.RuleViolations {
			if r.Failed() {
				return true
			}
		}
	}
	return false
}

// ShouldAlert returns true if the record should be published as an alert.
func ShouldAlert(rec *domain.TransactionRecord) bool {
	return rec.IsFlagged
}

// Reasons lists why a record was flagged or sent to review, in the order
// verdict, anomaly, rules.
func Reasons(rec *domain.TransactionRecord) []string {
	var reasons []string
	switch rec.Verdict {
	case domain.VerdictDeny:
		reasons = append(reasons, "fraud probability above deny threshold")
	case domain.VerdictReview:
		if rec.RiskScore > ReviewThreshold {
			reasons = append(reasons, "fraud probability above review threshold")
		}
	}
	if rec.AnomalyDetected {
		reasons = append(reasons, "anomalous transaction profile")
	}
	for _, r := range rec.RuleViolations {
		if r.Notable() && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
