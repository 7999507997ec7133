package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLRU(maxSize int) (*lru, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newLRU(maxSize)
	l.now = clock.now
	return l, clock
}

func sampleResponse(txID string) *domain.AnalyzeResponse {
	return &domain.AnalyzeResponse{
		TxID: txID,
		Assessment: &domain.Assessment{
			RiskScore: 0.91,
			Verdict:   domain.VerdictDeny,
			Explanation: []domain.Attribution{
				{Feature: "newbalanceOrig", Impact: 0.5, Value: 0},
			},
		},
		RiskLevel: domain.RiskCritical,
		IsFlagged: true,
	}
}

func TestLRU(t *testing.T) {
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		l, _ := newTestLRU(10)
		if err := l.set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		val, err := l.get(ctx, "k")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected 'v', got %q", val)
		}

		miss, err := l.get(ctx, "missing")
		if err != nil || miss != nil {
			t.Errorf("expected nil, nil for a miss, got %q, %v", miss, err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		l, _ := newTestLRU(10)
		_ = l.set(ctx, "k", []byte("one"), time.Minute)
		_ = l.set(ctx, "k", []byte("two"), time.Minute)
		val, _ := l.get(ctx, "k")
		if string(val) != "two" {
			t.Errorf("expected overwrite, got %q", val)
		}
		if entries, _ := l.len(); entries != 1 {
			t.Errorf("expected 1 entry, got %d", entries)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		l, clock := newTestLRU(10)
		_ = l.set(ctx, "k", []byte("v"), time.Second)

		clock.advance(999 * time.Millisecond)
		if val, _ := l.get(ctx, "k"); val == nil {
			t.Error("entry expired early")
		}

		clock.advance(time.Millisecond)
		if val, _ := l.get(ctx, "k"); val != nil {
			t.Error("expected entry to expire at its deadline")
		}
		if entries, _ := l.len(); entries != 0 {
			t.Errorf("expired entry should be removed, have %d", entries)
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		l, _ := newTestLRU(3)
		_ = l.set(ctx, "a", []byte("1"), time.Minute)
		_ = l.set(ctx, "b", []byte("2"), time.Minute)
		_ = l.set(ctx, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes the oldest.
		_, _ = l.get(ctx, "a")
		_ = l.set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := l.get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if val, _ := l.get(ctx, k); val == nil {
				t.Errorf("expected %q to survive eviction", k)
			}
		}
	})

	t.Run("CounterWindow", func(t *testing.T) {
		l, clock := newTestLRU(10)
		for want := int64(1); want <= 3; want++ {
			got, err := l.incr(ctx, "acct", time.Hour)
			if err != nil {
				t.Fatalf("incr failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}

		clock.advance(time.Hour)
		if got, _ := l.incr(ctx, "acct", time.Hour); got != 1 {
			t.Errorf("expected window reset to 1, got %d", got)
		}
	})

	t.Run("CountersDoNotEvictEntries", func(t *testing.T) {
		l, _ := newTestLRU(2)
		_ = l.set(ctx, "resp", []byte("v"), time.Minute)
		for i := 0; i < 10; i++ {
			_, _ = l.incr(ctx, fmt.Sprintf("acct-%d", i), time.Minute)
		}
		if val, _ := l.get(ctx, "resp"); val == nil {
			t.Error("counter traffic evicted a stored entry")
		}
	})

	t.Run("CounterPruning", func(t *testing.T) {
		l, clock := newTestLRU(2)
		for i := 0; i < 5; i++ {
			_, _ = l.incr(ctx, fmt.Sprintf("acct-%d", i), time.Millisecond)
		}
		clock.advance(5 * time.Millisecond)
		_, _ = l.incr(ctx, "fresh", time.Minute)
		if _, counters := l.len(); counters > 2 {
			t.Errorf("expected expired counters to be pruned, have %d", counters)
		}
	})

	t.Run("Close", func(t *testing.T) {
		l, _ := newTestLRU(10)
		_ = l.set(ctx, "k", []byte("v"), time.Minute)
		_, _ = l.incr(ctx, "acct", time.Minute)

		if err := l.close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
		if entries, counters := l.len(); entries != 0 || counters != 0 {
			t.Errorf("expected empty store after close, have %d entries, %d counters", entries, counters)
		}
		if got, _ := l.incr(ctx, "acct", time.Minute); got != 1 {
			t.Errorf("store should stay usable after close, got count %d", got)
		}
	})
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("AssessmentRoundTrip", func(t *testing.T) {
		c := NewMemory(100)
		resp := sampleResponse("tx-001")

		if err := c.SetAssessment(ctx, tenantID, "idem-1", resp, time.Minute); err != nil {
			t.Fatalf("SetAssessment failed: %v", err)
		}

		got, err := c.GetAssessment(ctx, tenantID, "idem-1")
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}
		if got == nil || got.Assessment == nil {
			t.Fatal("expected cached assessment")
		}
		if got.TxID != resp.TxID || got.Verdict != domain.VerdictDeny || got.RiskLevel != domain.RiskCritical {
			t.Errorf("unexpected cached response %+v", got)
		}
		if len(got.Explanation) != 1 || got.Explanation[0].Feature != "newbalanceOrig" {
			t.Errorf("unexpected explanation %+v", got.Explanation)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		c := NewMemory(100)
		got, err := c.GetAssessment(ctx, tenantID, "idem-unknown")
		if err != nil || got != nil {
			t.Errorf("expected miss, got %v, %v", got, err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c := NewMemory(100)
		_ = c.SetAssessment(ctx, "tenant-a", "shared", sampleResponse("tx-a"), time.Minute)
		_ = c.SetAssessment(ctx, "tenant-b", "shared", sampleResponse("tx-b"), time.Minute)

		a, _ := c.GetAssessment(ctx, "tenant-a", "shared")
		b, _ := c.GetAssessment(ctx, "tenant-b", "shared")
		if a == nil || b == nil || a.TxID != "tx-a" || b.TxID != "tx-b" {
			t.Errorf("tenants leaked into each other: %+v, %+v", a, b)
		}
		if other, _ := c.GetAssessment(ctx, "tenant-c", "shared"); other != nil {
			t.Error("assessments must be tenant scoped")
		}

		_, _ = c.IncrementCounter(ctx, "tenant-a", "C100", time.Hour)
		if n, _ := c.IncrementCounter(ctx, "tenant-b", "C100", time.Hour); n != 1 {
			t.Errorf("counters must be tenant scoped, got %d", n)
		}
	})

	t.Run("CountersAndAssessmentsDoNotCollide", func(t *testing.T) {
		c := NewMemory(100)
		_ = c.SetAssessment(ctx, tenantID, "k", sampleResponse("tx"), time.Minute)
		if n, _ := c.IncrementCounter(ctx, tenantID, "k", time.Hour); n != 1 {
			t.Errorf("expected fresh counter, got %d", n)
		}
		if got, _ := c.GetAssessment(ctx, tenantID, "k"); got == nil {
			t.Error("counter clobbered assessment")
		}
	})

	t.Run("CorruptEntry", func(t *testing.T) {
		l := newLRU(10)
		c := &Cache{store: l}
		_ = l.set(ctx, assessmentKey(tenantID, "corrupt"), []byte("{"), time.Minute)
		if _, err := c.GetAssessment(ctx, tenantID, "corrupt"); err == nil {
			t.Error("expected decode error for corrupt entry")
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewMemory(10)
		if err := c.SetAssessment(ctx, "", "k", sampleResponse("tx"), time.Minute); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("SetAssessment: expected ErrTenantRequired, got %v", err)
		}
		if _, err := c.GetAssessment(ctx, "", "k"); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("GetAssessment: expected ErrTenantRequired, got %v", err)
		}
		if _, err := c.IncrementCounter(ctx, "", "k", time.Hour); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("IncrementCounter: expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("PingAndClose", func(t *testing.T) {
		c := NewMemory(10)
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		_ = c.SetAssessment(ctx, tenantID, "k", sampleResponse("tx"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if got, _ := c.GetAssessment(ctx, tenantID, "k"); got != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

type failingStore struct {
	store
	err error
}

func (f *failingStore) get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f *failingStore) ping(context.Context) error                 { return f.err }

func TestTiered(t *testing.T) {
	ctx := context.Background()

	t.Run("RemoteHitFillsLocal", func(t *testing.T) {
		local, remote := newLRU(10), newLRU(10)
		tc := newTiered(local, remote, time.Minute)

		_ = remote.set(ctx, "k", []byte("v"), time.Hour)
		val, err := tc.get(ctx, "k")
		if err != nil || string(val) != "v" {
			t.Fatalf("expected remote hit, got %q, %v", val, err)
		}
		if cached, _ := local.get(ctx, "k"); string(cached) != "v" {
			t.Error("expected local copy after remote hit")
		}
	})

	t.Run("SetWritesBoth", func(t *testing.T) {
		local, remote := newLRU(10), newLRU(10)
		tc := newTiered(local, remote, time.Minute)

		if err := tc.set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		for name, s := range map[string]*lru{"local": local, "remote": remote} {
			if val, _ := s.get(ctx, "k"); string(val) != "v" {
				t.Errorf("%s missing value", name)
			}
		}
	})

	t.Run("LocalTTLIsCapped", func(t *testing.T) {
		local, clock := newTestLRU(10)
		tc := newTiered(local, newLRU(10), time.Minute)

		_ = tc.set(ctx, "k", []byte("v"), time.Hour)
		clock.advance(time.Minute)
		if val, _ := local.get(ctx, "k"); val != nil {
			t.Error("local copy outlived the local TTL")
		}
	})

	t.Run("CountersUseRemote", func(t *testing.T) {
		local, remote := newLRU(10), newLRU(10)
		tc := newTiered(local, remote, time.Minute)

		_, _ = remote.incr(ctx, "acct", time.Hour)
		if n, _ := tc.incr(ctx, "acct", time.Hour); n != 2 {
			t.Errorf("expected remote count 2, got %d", n)
		}
		if _, counters := local.len(); counters != 0 {
			t.Errorf("local store should hold no counters, has %d", counters)
		}
	})

	t.Run("RemoteErrors", func(t *testing.T) {
		boom := errors.New("connection refused")
		tc := newTiered(newLRU(10), &failingStore{store: newLRU(10), err: boom}, time.Minute)

		if _, err := tc.get(ctx, "k"); !errors.Is(err, boom) {
			t.Errorf("get: expected remote error, got %v", err)
		}
		if err := tc.ping(ctx); !errors.Is(err, boom) {
			t.Errorf("ping: expected remote error, got %v", err)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		l, ok := c.store.(*lru)
		if !ok {
			t.Fatalf("expected lru store for memory type, got %T", c.store)
		}
		if l.maxSize != 100 {
			t.Errorf("expected max size 100, got %d", l.maxSize)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported cache type")
		}
	})
}
