package domain

import (
	"context"
	"time"
)

// Cache holds idempotent responses and velocity counters. Every call is
// scoped to a tenant; an empty tenantID is an error.
type Cache interface {
	// GetAssessment returns the response memoized under an idempotency key.
	// Returns nil, nil if there is none.
	GetAssessment(ctx context.Context, tenantID string, key string) (*AnalyzeResponse, error)

	SetAssessment(ctx context.Context, tenantID string, key string, resp *AnalyzeResponse, ttl time.Duration) error

	// IncrementCounter bumps a counter whose window starts on the first
	// increment, returning the new value.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enable_two_phase"` // If true, check local first, then Redis
}
