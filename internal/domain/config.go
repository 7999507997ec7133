package domain

import "time"

// Config holds the complete AegisFlow configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which infrastructure backs the service
	Tier Tier `yaml:"tier"`

	// Scoring artifacts
	Model ModelConfig `yaml:"model"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Worker     WorkerConfig     `yaml:"worker"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// ModelConfig locates the artifact bundle and controls degraded operation.
type ModelConfig struct {
	ArtifactDir string `yaml:"artifact_dir"`

	// AllowUnscaled lets scoring proceed without a fitted scaler.
	// Results are marked degraded. Intended for development only.
	AllowUnscaled bool `yaml:"allow_unscaled"`

	// RequireManifest rejects bundles without a manifest.json.
	RequireManifest bool `yaml:"require_manifest"`

	// IdempotencyTTL is how long an /analyze response is memoized.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// WorkerConfig controls the async scoring worker.
type WorkerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	TenantIDs []string `yaml:"tenant_ids"`
}

// RateLimitConfig configures the per-tenant token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	ExporterType string  `yaml:"exporter_type"` // otlp
	Endpoint     string  `yaml:"endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Model: ModelConfig{
			ArtifactDir:     "./models",
			RequireManifest: true,
			IdempotencyTTL:  10 * time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./aegisflow.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 200,
			Burst:             400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "aegisflow",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "aegisflow",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "aegisflow-workers",
	}
	cfg.Worker.Enabled = true
	cfg.RateLimit.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.ExporterType = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	return cfg
}
