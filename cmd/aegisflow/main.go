// AegisFlow - Explainable fraud risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/aegisflow/internal/api"
	"github.com/opensource-finance/aegisflow/internal/bus"
	"github.com/opensource-finance/aegisflow/internal/cache"
	"github.com/opensource-finance/aegisflow/internal/config"
	"github.com/opensource-finance/aegisflow/internal/decision"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/pipeline"
	"github.com/opensource-finance/aegisflow/internal/predictor"
	"github.com/opensource-finance/aegisflow/internal/repository"
	"github.com/opensource-finance/aegisflow/internal/rules"
	"github.com/opensource-finance/aegisflow/internal/telemetry"
	"github.com/opensource-finance/aegisflow/internal/velocity"
	"github.com/opensource-finance/aegisflow/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "aegisflow.yaml", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting aegisflow",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"artifact_dir", cfg.Model.ArtifactDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("aegisflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	telemetry.Version = Version
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Predictor. A missing bundle leaves the service up but not ready.
	pred := predictor.New(
		predictor.WithAllowUnscaled(cfg.Model.AllowUnscaled),
		predictor.WithRequireManifest(cfg.Model.RequireManifest),
		predictor.WithLogger(logger),
	)
	if info, err := pred.Load(ctx, cfg.Model.ArtifactDir); err != nil {
		slog.Warn("model bundle not loaded, serving 503 until POST /model/reload succeeds",
			"dir", cfg.Model.ArtifactDir,
			"error", err,
		)
	} else {
		slog.Info("model bundle loaded",
			"version", info.Version,
			"trees", info.Trees,
			"anomaly_trees", info.AnomalyTrees,
		)
	}

	scoring := pipeline.New(pred, engine, velocity.NewService(repo, cacheImpl), decision.NewProcessor(), repo)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, scoring)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Engine:    engine,
		Predictor: pred,
		Pipeline:  scoring,
		Worker:    asyncWorker,
		Model:     cfg.Model,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("aegisflow is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_ready", pred.Ready(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("aegisflow shutdown complete")
	return serveErr
}

// loadRulesFromDatabase loads global rules into the engine. Rules are
// configured via POST /rules; there are no built-in defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                AEGISFLOW                  |")
	fmt.Println("  |      Explainable Fraud Risk Scoring       |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze            - Score a transaction")
	fmt.Println("    POST /ingest             - Queue a transaction for async scoring")
	fmt.Println("    GET  /transactions       - List scored transactions")
	fmt.Println("    GET  /transactions/{id}  - Get a scored transaction")
	fmt.Println("    GET  /rules              - List loaded rules")
	fmt.Println("    POST /rules              - Create a rule")
	fmt.Println("    POST /rules/reload       - Hot-reload rules from database")
	fmt.Println("    GET  /model              - Model bundle info")
	fmt.Println("    POST /model/reload       - Hot-swap the model bundle")
	fmt.Println("    GET  /health, /ready     - Health and readiness")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-19s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
