// Package config assembles the service configuration from defaults, an
// optional YAML file, an optional .env file and AEGISFLOW_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AEGISFLOW_"

// Load builds the configuration. A missing YAML file is not an error.
// envFiles default to ".env"; missing env files are ignored and variables
// already set in the process environment take precedence.
func Load(path string, envFiles ...string) (*domain.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	tier, err := selectTier(data)
	if err != nil {
		return nil, err
	}
	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectTier picks the base defaults. The environment wins over the file.
func selectTier(data []byte) (domain.Tier, error) {
	if v := os.Getenv(EnvPrefix + "TIER"); v != "" {
		return domain.Tier(strings.ToLower(v)), nil
	}
	var peek struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &peek); err != nil {
			return "", fmt.Errorf("parse config: %w", err)
		}
	}
	if peek.Tier == "" {
		return domain.TierCommunity, nil
	}
	return peek.Tier, nil
}

func applyEnv(cfg *domain.Config) error {
	e := &envReader{}

	if v, ok := e.str("TIER"); ok {
		cfg.Tier = domain.Tier(strings.ToLower(v))
	}

	e.setStr("HOST", &cfg.Server.Host)
	e.setInt("PORT", &cfg.Server.Port)

	e.setStr("LOG_LEVEL", &cfg.Logging.Level)
	e.setStr("LOG_FORMAT", &cfg.Logging.Format)
	if debug, ok := e.boolean("DEBUG"); ok && debug {
		cfg.Logging.Level = "debug"
	}

	e.setStr("MODEL_DIR", &cfg.Model.ArtifactDir)
	e.setBool("ALLOW_UNSCALED", &cfg.Model.AllowUnscaled)
	e.setBool("REQUIRE_MANIFEST", &cfg.Model.RequireManifest)
	e.setDuration("IDEMPOTENCY_TTL", &cfg.Model.IdempotencyTTL)

	e.setStr("DB_DRIVER", &cfg.Repository.Driver)
	e.setStr("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.setStr("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.setInt("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.setStr("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.setStr("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.setStr("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.setStr("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.setStr("CACHE_TYPE", &cfg.Cache.Type)
	e.setStr("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.setStr("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.setInt("REDIS_DB", &cfg.Cache.RedisDB)

	e.setStr("BUS_TYPE", &cfg.EventBus.Type)
	e.setStr("NATS_URL", &cfg.EventBus.NATSUrl)
	e.setStr("NATS_TOKEN", &cfg.EventBus.NATSToken)

	e.setBool("ASYNC_WORKER", &cfg.Worker.Enabled)
	if v, ok := e.str("TENANTS"); ok {
		cfg.Worker.TenantIDs = splitList(v)
	}

	e.setBool("RATE_LIMIT", &cfg.RateLimit.Enabled)
	e.setFloat("RATE_LIMIT_RPS", &cfg.RateLimit.RequestsPerSecond)
	e.setInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	e.setBool("TRACING", &cfg.Tracing.Enabled)
	if v, ok := e.str("TRACING_ENDPOINT"); ok {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
		if cfg.Tracing.ExporterType == "" {
			cfg.Tracing.ExporterType = "otlp"
		}
	}
	e.setFloat("TRACING_SAMPLE_RATE", &cfg.Tracing.SampleRate)

	e.setBool("METRICS", &cfg.Metrics.Enabled)

	return e.err()
}

func applyDefaults(cfg *domain.Config) {
	def := domain.DefaultConfig()

	if cfg.Tier == "" {
		cfg.Tier = domain.TierCommunity
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Model.ArtifactDir == "" {
		cfg.Model.ArtifactDir = def.Model.ArtifactDir
	}
	if cfg.Model.IdempotencyTTL == 0 {
		cfg.Model.IdempotencyTTL = def.Model.IdempotencyTTL
	}
	if cfg.Repository.Driver == "sqlite" && cfg.Repository.SQLitePath == "" {
		cfg.Repository.SQLitePath = def.Repository.SQLitePath
	}
	if cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresPort == 0 {
		cfg.Repository.PostgresPort = 5432
	}
	if cfg.Cache.LocalMaxSize == 0 {
		cfg.Cache.LocalMaxSize = def.Cache.LocalMaxSize
	}
	if cfg.Cache.LocalTTL == 0 {
		cfg.Cache.LocalTTL = def.Cache.LocalTTL
	}
	if cfg.EventBus.Type == "channel" && cfg.EventBus.ChannelBufferSize == 0 {
		cfg.EventBus.ChannelBufferSize = def.EventBus.ChannelBufferSize
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
}

// Validate reports the first invalid setting.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("unknown tier %q", cfg.Tier)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Model.ArtifactDir == "" {
		return errors.New("model artifact_dir is required")
	}

	switch cfg.Repository.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Repository.PostgresHost == "" {
			return errors.New("postgres_host is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return errors.New("nats_url is required for the nats bus")
		}
	default:
		return fmt.Errorf("unknown event bus type %q", cfg.EventBus.Type)
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return errors.New("rate limit requires positive requests_per_second and burst")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate %v must be in [0, 1]", cfg.Tracing.SampleRate)
	}
	return nil
}

// envReader collects parse errors so overrides read linearly.
type envReader struct {
	errs []error
}

func (e *envReader) str(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
}

func (e *envReader) boolean(name string) (bool, bool) {
	v, ok := e.str(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return false, false
	}
	return b, true
}

func (e *envReader) setStr(name string, dst *string) {
	if v, ok := e.str(name); ok {
		*dst = v
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if b, ok := e.boolean(name); ok {
		*dst = b
	}
}

func (e *envReader) setInt(name string, dst *int) {
	v, ok := e.str(name)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = i
}

func (e *envReader) setFloat(name string, dst *float64) {
	v, ok := e.str(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = f
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	v, ok := e.str(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
