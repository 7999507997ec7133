// Package predictor is the single entry point for scoring a transaction.
// It owns the published artifact bundle and exposes a ready state.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/aegisflow/internal/artifact"
	"github.com/opensource-finance/aegisflow/internal/decision"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/metrics"
	"github.com/opensource-finance/aegisflow/internal/model"
	"github.com/opensource-finance/aegisflow/internal/telemetry"
)

// Predictor scores transactions against the currently published bundle.
// Predict is safe for concurrent use with itself and with Load.
type Predictor struct {
	bundle atomic.Pointer[Bundle]

	// loadMu serialises loads; readers never take it.
	loadMu sync.Mutex

	schema          features.Schema
	allowUnscaled   bool
	requireManifest bool
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithSchema sets the feature schema bundles must match.
func WithSchema(s features.Schema) Option {
	return func(p *Predictor) { p.schema = s }
}

// WithAllowUnscaled lets scoring proceed without a fitted scaler. Such
// results are marked degraded.
func WithAllowUnscaled(allow bool) Option {
	return func(p *Predictor) { p.allowUnscaled = allow }
}

// WithRequireManifest rejects bundle directories without a manifest.
func WithRequireManifest(require bool) Option {
	return func(p *Predictor) { p.requireManifest = require }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Predictor) { p.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Predictor) { p.now = now }
}

// New creates a predictor in the not-ready state.
func New(opts ...Option) *Predictor {
	p := &Predictor{
		schema:          features.DefaultSchema,
		requireManifest: true,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	metrics.SetModelReady(false)
	return p
}

// Ready reports whether a complete bundle is published.
func (p *Predictor) Ready() bool {
	return p.bundle.Load().complete()
}

// Info returns a summary of the published bundle.
func (p *Predictor) Info() (BundleInfo, bool) {
	b := p.bundle.Load()
	if !b.complete() {
		return BundleInfo{}, false
	}
	return b.Info(), true
}

// Use publishes a caller-built bundle. It is serialised with Load.
func (p *Predictor) Use(b *Bundle) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	if !b.complete() {
		return fmt.Errorf("%w: incomplete bundle", domain.ErrArtifactLoad)
	}
	if b.Schema.Version != p.schema.Version {
		return fmt.Errorf("%w: bundle schema %s, expected %s", domain.ErrFeatureMismatch, b.Schema.Version, p.schema.Version)
	}
	if b.Scaler == nil && !p.allowUnscaled {
		return fmt.Errorf("%w: scaler is required", domain.ErrArtifactLoad)
	}
	p.publish(b)
	return nil
}

// Load reads, verifies and builds the bundle in dir, then publishes it in
// one atomic step. On any error the previously published bundle stays in
// place.
func (p *Predictor) Load(ctx context.Context, dir string) (BundleInfo, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	_, span := telemetry.StartSpan(ctx, "predictor.Load")
	defer span.End()

	b, err := p.build(ctx, dir)
	if err != nil {
		metrics.ModelReloadsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("model bundle load failed",
			"dir", dir,
			"error", err,
		)
		return BundleInfo{}, err
	}

	p.publish(b)
	metrics.ModelReloadsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(telemetry.ModelVersion(b.Version))

	info := b.Info()
	p.logger.Info("model bundle loaded",
		"dir", dir,
		"version", info.Version,
		"schema_version", info.SchemaVersion,
		"trees", info.Trees,
		"anomaly_trees", info.AnomalyTrees,
		"scaled", info.Scaled,
	)
	return info, nil
}

func (p *Predictor) publish(b *Bundle) {
	p.bundle.Store(b)
	metrics.SetModelReady(true)
}

func (p *Predictor) build(ctx context.Context, dir string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
	}

	version := filepath.Base(filepath.Clean(dir))
	manifest, err := artifact.Verify(dir)
	switch {
	case errors.Is(err, artifact.ErrNoManifest) && !p.requireManifest:
		p.logger.Warn("model bundle has no manifest; integrity not verified", "dir", dir)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
	default:
		covered := []string{artifact.ClassifierFile, artifact.DetectorFile}
		if artifact.Exists(dir, artifact.ScalerFile) {
			covered = append(covered, artifact.ScalerFile)
		}
		if err := manifest.Covers(covered...); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
		}
		if manifest.Version != "" {
			version = manifest.Version
		}
		if manifest.SchemaVersion != "" && manifest.SchemaVersion != p.schema.Version {
			return nil, fmt.Errorf("%w: %w: bundle schema %s, expected %s",
				domain.ErrArtifactLoad, domain.ErrFeatureMismatch, manifest.SchemaVersion, p.schema.Version)
		}
	}

	var scaler *features.Scaler
	if err := artifact.ReadJSON(dir, artifact.ScalerFile, &scaler); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !p.allowUnscaled {
			return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
		}
		scaler = nil
		p.logger.Warn("scaler artifact missing; predictions will be degraded", "dir", dir)
	}
	if scaler == nil && !p.allowUnscaled {
		return nil, fmt.Errorf("%w: scaler artifact is empty", domain.ErrArtifactLoad)
	}

	var classifier model.Ensemble
	if err := artifact.ReadJSON(dir, artifact.ClassifierFile, &classifier); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
	}

	var detector model.IsolationForest
	if err := artifact.ReadJSON(dir, artifact.DetectorFile, &detector); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
	}

	b, err := NewBundle(version, p.schema, scaler, &classifier, &detector)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrArtifactLoad, err)
	}
	b.Source = dir
	return b, nil
}

// Predict scores tx against the bundle published at call start.
func (p *Predictor) Predict(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	start := time.Now()

	_, span := telemetry.StartSpan(ctx, "predictor.Predict")
	defer span.End()

	b := p.bundle.Load()
	if !b.complete() {
		return nil, domain.ErrNotReady
	}
	if b.Scaler == nil && !p.allowUnscaled {
		return nil, domain.ErrNotReady
	}

	raw, err := b.engineer.Build(tx)
	if err != nil {
		return nil, err
	}
	if err := features.MatchNames(b.Classifier.FeatureNames, raw.Names); err != nil {
		return nil, err
	}

	scaled := raw
	degraded := false
	if b.Scaler != nil {
		scaled, err = b.Scaler.Transform(raw, b.Schema)
		if err != nil {
			return nil, err
		}
	} else {
		degraded = true
		p.logger.Warn("scoring without feature scaling",
			"model_version", b.Version,
		)
	}

	fused, err := b.fusion.Score(scaled)
	if err != nil {
		return nil, err
	}
	explanation, err := b.explainer.Explain(scaled, raw)
	if err != nil {
		return nil, err
	}

	verdict := decision.Decide(fused.Probability, fused.Anomaly)

	assessment := &domain.Assessment{
		RiskScore:       fused.Probability,
		Verdict:         verdict,
		AnomalyDetected: fused.Anomaly,
		Explanation:     explanation,
		Timestamp:       p.now(),
		Degraded:        degraded,
		ModelVersion:    b.Version,
	}

	metrics.ObservePrediction(string(verdict), fused.Anomaly, degraded, time.Since(start))
	span.SetAttributes(
		telemetry.TxType(tx.Type),
		telemetry.RiskScore(fused.Probability),
		telemetry.Verdict(verdict),
		telemetry.ModelVersion(b.Version),
	)

	return assessment, nil
}
