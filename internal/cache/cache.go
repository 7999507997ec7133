// Package cache holds short-lived scoring state: idempotent /analyze
// responses and per-account velocity counters. Entries live in a local
// LRU (Community tier), in Redis, or in both with the LRU in front (Pro).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// ErrTenantRequired is returned for any call without a tenant.
var ErrTenantRequired = errors.New("cache: tenantID is required")

// store is a flat byte store. Keys arrive tenant-qualified; a missing key
// reads as nil, nil.
type store interface {
	get(ctx context.Context, key string) ([]byte, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	incr(ctx context.Context, key string, window time.Duration) (int64, error)
	ping(ctx context.Context) error
	close() error
}

// Cache implements domain.Cache on top of a store.
type Cache struct {
	store store
}

// New creates a new cache based on configuration.
// For Community tier: LRU only.
// For Pro tier with two-phase: LRU in front of Redis.
// For Pro tier without two-phase: Redis only.
func New(cfg domain.CacheConfig) (*Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := newRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return &Cache{store: remote}, nil
		}
		return &Cache{store: newTiered(newLRU(cfg.LocalMaxSize), remote, cfg.LocalTTL)}, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// NewMemory returns a process-local cache holding at most maxSize entries.
func NewMemory(maxSize int) *Cache {
	return &Cache{store: newLRU(maxSize)}
}

// GetAssessment returns the response memoized under an idempotency key,
// or nil when there is none.
func (c *Cache) GetAssessment(ctx context.Context, tenantID string, key string) (*domain.AnalyzeResponse, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	data, err := c.store.get(ctx, assessmentKey(tenantID, key))
	if err != nil || data == nil {
		return nil, err
	}

	var resp domain.AnalyzeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cached assessment: %w", err)
	}
	return &resp, nil
}

// SetAssessment memoizes a response under an idempotency key.
func (c *Cache) SetAssessment(ctx context.Context, tenantID string, key string, resp *domain.AnalyzeResponse, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	return c.store.set(ctx, assessmentKey(tenantID, key), data, ttl)
}

// IncrementCounter bumps a windowed counter and returns the new count.
// The window starts at the first increment.
func (c *Cache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	return c.store.incr(ctx, counterKey(tenantID, key), window)
}

// Ping checks the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.ping(ctx)
}

// Close releases the backing store.
func (c *Cache) Close() error {
	return c.store.close()
}

func assessmentKey(tenantID, key string) string {
	return tenantID + ":assessment:" + key
}

func counterKey(tenantID, key string) string {
	return tenantID + ":counter:" + key
}

// tiered reads through a local store to a remote one, refilling the local
// copy on a remote hit. Counters bypass the local store so every node sees
// the same count.
type tiered struct {
	local    store
	remote   store
	localTTL time.Duration
}

func newTiered(local, remote store, localTTL time.Duration) *tiered {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &tiered{local: local, remote: remote, localTTL: localTTL}
}

func (t *tiered) get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.local.get(ctx, key); err != nil || val != nil {
		return val, err
	}
	val, err := t.remote.get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = t.local.set(ctx, key, val, t.localTTL)
	return val, nil
}

func (t *tiered) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.local.set(ctx, key, value, min(ttl, t.localTTL)); err != nil {
		return err
	}
	return t.remote.set(ctx, key, value, ttl)
}

func (t *tiered) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return t.remote.incr(ctx, key, window)
}

func (t *tiered) ping(ctx context.Context) error {
	if err := t.local.ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := t.remote.ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

func (t *tiered) close() error {
	_ = t.local.close()
	return t.remote.close()
}
