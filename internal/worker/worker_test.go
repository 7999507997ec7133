package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/aegisflow/internal/bus"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/model/modeltest"
	"github.com/opensource-finance/aegisflow/internal/pipeline"
	"github.com/opensource-finance/aegisflow/internal/predictor"
	"github.com/opensource-finance/aegisflow/internal/repository"
)

func readyPredictor(t *testing.T) *predictor.Predictor {
	t.Helper()
	p := predictor.New(predictor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	b, err := predictor.NewBundle(modeltest.Version, features.DefaultSchema,
		modeltest.Scaler(), modeltest.Classifier(), modeltest.Detector())
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := p.Use(b); err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	return p
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// collect subscribes to topic and forwards every message to the returned channel.
func collect(t *testing.T, b domain.EventBus, tenantID, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 10)
	sub, err := b.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func publishTx(t *testing.T, b domain.EventBus, ctx context.Context, tenantID string, tx *domain.Transaction) {
	t.Helper()
	payload, err := json.Marshal(TransactionMessage{Transaction: *tx})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := b.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *domain.Message, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected message on %s", msg.Topic)
	case <-time.After(wait):
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.Stats()
		if stats.Subscriptions != 1 || stats.Mode != "tenant" {
			t.Errorf("unexpected stats %+v", stats)
		}
		if len(stats.Tenants) != 1 || stats.Tenants[0] != "tenant-001" {
			t.Errorf("unexpected tenants %v", stats.Tenants)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.Stats(); stats.Subscriptions != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.Subscriptions)
		}
		if _, ok := w.Route("tenant-001"); ok {
			t.Error("stopped worker must not accept routes")
		}
	})

	t.Run("ProcessTransaction", func(t *testing.T) {
		repo := newRepo(t)
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, repo))
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		assessments := collect(t, eventBus, "tenant-test", domain.TopicAssessment)
		alerts := collect(t, eventBus, "tenant-test", domain.TopicAlert)

		tx := modeltest.SmallPayment()
		tx.ID = "tx-001"
		publishTx(t, eventBus, context.Background(), "tenant-test", tx)

		msg := receive(t, assessments)
		var resp domain.AnalyzeResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}
		if resp.TxID != "tx-001" {
			t.Errorf("expected txId 'tx-001', got '%s'", resp.TxID)
		}
		if resp.Assessment == nil || resp.Verdict != domain.VerdictAllow {
			t.Errorf("expected ALLOW assessment, got %+v", resp.Assessment)
		}
		if resp.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW, got %s", resp.RiskLevel)
		}

		expectNone(t, alerts, 100*time.Millisecond)

		rec, err := repo.GetTransaction(context.Background(), "tenant-test", "tx-001")
		if err != nil {
			t.Fatalf("expected persisted record: %v", err)
		}
		if rec.Verdict != domain.VerdictAllow {
			t.Errorf("expected stored ALLOW, got %s", rec.Verdict)
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))
		if err := w.Start(Config{TenantIDs: []string{"tenant-alert"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		assessments := collect(t, eventBus, "tenant-alert", domain.TopicAssessment)
		alerts := collect(t, eventBus, "tenant-alert", domain.TopicAlert)

		publishTx(t, eventBus, context.Background(), "tenant-alert", modeltest.DrainingTransfer())

		receive(t, assessments)
		msg := receive(t, alerts)
		var resp domain.AnalyzeResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			t.Fatalf("failed to parse alert: %v", err)
		}
		if resp.Verdict != domain.VerdictDeny {
			t.Errorf("expected DENY alert, got %s", resp.Verdict)
		}
		if !resp.IsFlagged || !resp.AnomalyDetected {
			t.Error("expected flagged anomalous alert")
		}
	})

	t.Run("GlobalWorkerUsesPayloadTenant", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		assessments := collect(t, eventBus, "tenant-payload", domain.TopicAssessment)

		tx := modeltest.HighAmountPayment()
		tx.TenantID = "tenant-payload"
		publishTx(t, eventBus, context.Background(), GlobalTenantID, tx)

		msg := receive(t, assessments)
		if msg.TenantID != "tenant-payload" {
			t.Errorf("expected tenant 'tenant-payload', got '%s'", msg.TenantID)
		}
	})

	t.Run("RequestIDPropagates", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))
		if err := w.Start(Config{TenantIDs: []string{"tenant-req"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		assessments := collect(t, eventBus, "tenant-req", domain.TopicAssessment)

		ctx := logging.WithRequestID(context.Background(), "req-123")
		publishTx(t, eventBus, ctx, "tenant-req", modeltest.SmallPayment())

		msg := receive(t, assessments)
		if got := msg.Metadata[bus.MetadataRequestID]; got != "req-123" {
			t.Errorf("expected request_id 'req-123', got '%s'", got)
		}
	})

	t.Run("NotReadyPublishesNothing", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(predictor.New(), nil, nil, nil, nil))
		if err := w.Start(Config{TenantIDs: []string{"tenant-cold"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		assessments := collect(t, eventBus, "tenant-cold", domain.TopicAssessment)
		publishTx(t, eventBus, context.Background(), "tenant-cold", modeltest.SmallPayment())

		expectNone(t, assessments, 100*time.Millisecond)
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))
		if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if stats := w.Stats(); stats.Subscriptions != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.Subscriptions)
		}
	})
}

func TestRoute(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	t.Run("NotStarted", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(predictor.New(), nil, nil, nil, nil))
		if _, ok := w.Route("tenant-001"); ok {
			t.Error("expected no route before Start")
		}
	})

	t.Run("Global", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(predictor.New(), nil, nil, nil, nil))
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		for _, tenantID := range []string{"tenant-001", "tenant-002"} {
			subject, ok := w.Route(tenantID)
			if !ok || subject != GlobalTenantID {
				t.Errorf("Route(%s) = %q, %v; want %q, true", tenantID, subject, ok, GlobalTenantID)
			}
		}
		if st := w.Stats(); st.Mode != "global" || st.Subscriptions != 1 {
			t.Errorf("unexpected stats %+v", st)
		}
	})

	t.Run("PerTenant", func(t *testing.T) {
		w := NewWorker(eventBus, pipeline.New(predictor.New(), nil, nil, nil, nil))
		if err := w.Start(Config{TenantIDs: []string{"tenant-a"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if subject, ok := w.Route("tenant-a"); !ok || subject != "tenant-a" {
			t.Errorf("Route(tenant-a) = %q, %v", subject, ok)
		}
		if _, ok := w.Route("tenant-b"); ok {
			t.Error("expected no route for an unserved tenant")
		}
	})
}

func TestGlobalWorkerScoresPublishedTenant(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	repo := newRepo(t)
	w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, repo))
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	assessments := collect(t, eventBus, "tenant-x", domain.TopicAssessment)

	tx := modeltest.SmallPayment()
	tx.TenantID = "tenant-x"
	subject, _ := w.Route("tenant-x")
	publishTx(t, eventBus, context.Background(), subject, tx)

	receive(t, assessments)
	recs, err := repo.ListTransactions(context.Background(), "tenant-x", 0, 10)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 stored transaction, got %d", len(recs))
	}
}

func TestProcessTransactionErrors(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	w := NewWorker(eventBus, pipeline.New(readyPredictor(t), nil, nil, nil, nil))
	ctx := context.Background()

	tests := []struct {
		name     string
		tenantID string
		payload  string
	}{
		{"MalformedJSON", "tenant-001", `{not json`},
		{"InvalidTransaction", "tenant-001", `{"type":"PAYMENT","amount":0}`},
		{"UnknownType", "tenant-001", `{"type":"WIRE","amount":10}`},
		{"GlobalWithoutTenant", GlobalTenantID, `{"type":"PAYMENT","amount":10}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.Message{ID: "msg-1", Payload: []byte(tt.payload)}
			if err := w.processTransaction(ctx, tt.tenantID, msg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrNotReady, "not_ready"},
		{domain.ErrInvalidTransaction, "invalid"},
		{domain.ErrFeatureMismatch, "invalid"},
		{io.EOF, "error"},
	}
	for _, tt := range tests {
		if got := resultLabel(tt.err); got != tt.want {
			t.Errorf("resultLabel(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
