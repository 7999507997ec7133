// Package pipeline runs a transaction through scoring, policy rules and
// persistence. The HTTP API and the async worker share it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/aegisflow/internal/decision"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/rules"
	"github.com/opensource-finance/aegisflow/internal/telemetry"
	"github.com/opensource-finance/aegisflow/internal/velocity"
)

// Scorer produces an assessment for a single transaction.
type Scorer interface {
	Predict(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error)
}

// Pipeline wires the scorer to the policy rules and the repository.
type Pipeline struct {
	scorer    Scorer
	engine    *rules.Engine
	velocity  *velocity.Service
	processor *decision.Processor
	repo      domain.Repository
}

// New creates a pipeline. Only the scorer is required; a nil engine skips
// policy rules, a nil velocity service reports zero and a nil repository
// skips persistence.
func New(scorer Scorer, engine *rules.Engine, vel *velocity.Service, processor *decision.Processor, repo domain.Repository) *Pipeline {
	if processor == nil {
		processor = decision.NewProcessor()
	}
	return &Pipeline{
		scorer:    scorer,
		engine:    engine,
		velocity:  vel,
		processor: processor,
		repo:      repo,
	}
}

// Run scores tx for tenantID and returns the persisted record.
// Scoring errors (domain.ErrNotReady, domain.ErrInvalidTransaction,
// domain.ErrFeatureMismatch) are returned unchanged. A failed save is
// logged and the record is still returned.
func (p *Pipeline) Run(ctx context.Context, tenantID string, in *domain.Transaction) (*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if in == nil {
		return nil, fmt.Errorf("%w: transaction is nil", domain.ErrInvalidTransaction)
	}
	start := time.Now()

	tx := *in
	tx.TenantID = tenantID
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(ctx, "pipeline.Run",
		telemetry.TenantID(tenantID),
		telemetry.TxID(tx.ID),
	)
	defer span.End()

	assessment, err := p.scorer.Predict(ctx, &tx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var velocityCount int64
	if p.velocity != nil {
		velocityCount, err = p.velocity.Record(ctx, tenantID, tx.OriginAccount)
		if err != nil {
			slog.Warn("velocity count failed",
				"tx_id", tx.ID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	var ruleResults []domain.RuleResult
	if p.engine != nil && p.engine.RulesCount() > 0 {
		ruleResults, err = p.engine.EvaluateAll(ctx, &rules.EvaluateInput{
			TenantID:      tenantID,
			Transaction:   &tx,
			Assessment:    assessment,
			VelocityCount: velocityCount,
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("rule evaluation: %w", err)
		}
	}

	rec := p.processor.Process(ctx, &decision.DecisionInput{
		TenantID:    tenantID,
		Transaction: &tx,
		Assessment:  assessment,
		RuleResults: ruleResults,
	})

	if p.repo != nil {
		if err := p.repo.SaveTransaction(ctx, tenantID, rec); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", rec.ID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	span.SetAttributes(telemetry.Verdict(rec.Verdict), telemetry.RiskScore(rec.RiskScore))
	slog.Debug("transaction scored",
		"tx_id", rec.ID,
		"tenant_id", tenantID,
		"verdict", rec.Verdict,
		"risk_score", rec.RiskScore,
		"flagged", rec.IsFlagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return rec, nil
}
