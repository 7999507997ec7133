package predictor

import (
	"fmt"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/model"
	"github.com/opensource-finance/aegisflow/internal/scoring"
)

// Bundle is a fully built, read-only set of scoring artifacts. It is
// published as a unit and never modified afterwards.
type Bundle struct {
	Version  string
	Schema   features.Schema
	Source   string
	LoadedAt time.Time

	// Scaler is nil only when the predictor allows unscaled scoring.
	Scaler     *features.Scaler
	Classifier *model.Ensemble
	Detector   *model.IsolationForest

	engineer  *features.Engineer
	fusion    *scoring.Fusion
	explainer *scoring.Explainer
}

// BundleInfo summarises the published bundle.
type BundleInfo struct {
	Version       string    `json:"version"`
	SchemaVersion string    `json:"schema_version"`
	Source        string    `json:"source,omitempty"`
	LoadedAt      time.Time `json:"loaded_at"`
	Features      int       `json:"features"`
	Trees         int       `json:"trees"`
	AnomalyTrees  int       `json:"anomaly_trees"`
	Scaled        bool      `json:"scaled"`
}

// NewBundle validates the artifacts against schema and builds the derived
// scoring state. scaler may be nil.
func NewBundle(version string, schema features.Schema, scaler *features.Scaler, classifier *model.Ensemble, detector *model.IsolationForest) (*Bundle, error) {
	if classifier == nil || detector == nil {
		return nil, fmt.Errorf("%w: classifier and detector are required", domain.ErrArtifactLoad)
	}
	if err := classifier.Validate(); err != nil {
		return nil, fmt.Errorf("%w: classifier: %w", domain.ErrArtifactLoad, err)
	}
	if err := detector.Validate(); err != nil {
		return nil, fmt.Errorf("%w: anomaly model: %w", domain.ErrArtifactLoad, err)
	}
	if err := schema.Validate(classifier.FeatureNames); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if err := schema.Validate(detector.FeatureNames); err != nil {
		return nil, fmt.Errorf("anomaly model: %w", err)
	}
	if scaler != nil {
		if scaler.SchemaVersion != "" && scaler.SchemaVersion != schema.Version {
			return nil, fmt.Errorf("%w: scaler schema %s, expected %s", domain.ErrFeatureMismatch, scaler.SchemaVersion, schema.Version)
		}
		if err := scaler.Check(schema); err != nil {
			return nil, err
		}
	}

	return &Bundle{
		Version:    version,
		Schema:     schema,
		LoadedAt:   time.Now().UTC(),
		Scaler:     scaler,
		Classifier: classifier,
		Detector:   detector,
		engineer:   features.NewEngineer(schema),
		fusion:     scoring.NewFusion(classifier, detector),
		explainer:  scoring.NewExplainer(classifier),
	}, nil
}

// complete reports whether every component needed for scoring is present.
func (b *Bundle) complete() bool {
	return b != nil &&
		b.Classifier != nil &&
		b.Detector != nil &&
		b.engineer != nil &&
		b.fusion != nil &&
		b.explainer != nil
}

// Info returns a summary of the bundle.
func (b *Bundle) Info() BundleInfo {
	return BundleInfo{
		Version:       b.Version,
		SchemaVersion: b.Schema.Version,
		Source:        b.Source,
		LoadedAt:      b.LoadedAt,
		Features:      b.Schema.Len(),
		Trees:         len(b.Classifier.Trees),
		AnomalyTrees:  len(b.Detector.Trees),
		Scaled:        b.Scaler != nil,
	}
}
