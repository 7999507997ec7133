// Package worker scores transactions published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/aegisflow/internal/decision"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/metrics"
	"github.com/opensource-finance/aegisflow/internal/pipeline"
)

// GlobalTenantID is the subscription tenant used when no tenants are
// configured. Messages then carry their own tenant in the payload.
const GlobalTenantID = "_global"

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	tenants       map[string]bool // nil when subscribed under GlobalTenantID
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes once
	// under GlobalTenantID.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(GlobalTenantID)
	}

	started := make(map[string]bool, len(cfg.TenantIDs))
	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started[tenantID] = true
	}
	if len(started) == 0 {
		return fmt.Errorf("no tenant workers started")
	}

	w.mu.Lock()
	w.tenants = started
	w.mu.Unlock()

	slog.Info("workers started",
		"tenant_count", len(started),
	)
	return nil
}

// Route returns the subscription tenant a tenant's transactions must be
// published under to reach this worker. ok is false when the worker does
// not serve the tenant.
func (w *Worker) Route(tenantID string) (subject string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) == 0 {
		return "", false
	}
	if w.tenants == nil {
		return GlobalTenantID, true
	}
	return tenantID, w.tenants[tenantID]
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// TransactionMessage is the payload on the ingested topic. TenantID in
// the body overrides the subscription tenant.
type TransactionMessage struct {
	domain.Transaction
}

// processTransaction scores one message and publishes the outcome.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse message %s: %w", msg.ID, err)
	}

	if txMsg.TenantID != "" {
		tenantID = txMsg.TenantID
	}
	if tenantID == GlobalTenantID {
		metrics.WorkerMessagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("message %s has no tenant", msg.ID)
	}

	rec, err := w.pipeline.Run(ctx, tenantID, &txMsg.Transaction)
	if err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues(resultLabel(err)).Inc()
		return fmt.Errorf("score message %s: %w", msg.ID, err)
	}

	payload, err := json.Marshal(rec.ToResponse())
	if err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := w.bus.Publish(ctx, tenantID, domain.TopicAssessment, payload); err != nil {
		slog.Error("failed to publish assessment",
			"tx_id", rec.ID,
			"error", err,
		)
	}

	if decision.ShouldAlert(rec) {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", rec.ID,
				"error", err,
			)
		}
	}

	metrics.WorkerMessagesTotal.WithLabelValues("ok").Inc()
	logging.L(ctx).Info("transaction processed",
		"tx_id", rec.ID,
		"tenant_id", tenantID,
		"verdict", rec.Verdict,
		"risk_score", rec.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotReady):
		return "not_ready"
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrFeatureMismatch):
		return "invalid"
	default:
		return "error"
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.tenants = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats is the worker summary reported by /health.
type Stats struct {
	Mode          string   `json:"mode"`
	Subscriptions int      `json:"subscriptions"`
	Tenants       []string `json:"tenants,omitempty"`
}

// Stats reports the active subscriptions.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{Mode: "global", Subscriptions: len(w.subscriptions)}
	if w.tenants != nil {
		st.Mode = "tenant"
		for id := range w.tenants {
			st.Tenants = append(st.Tenants, id)
		}
		sort.Strings(st.Tenants)
	}
	return st
}
