// Package scoring combines the classifier and anomaly detector into a
// single scored result and explains the classifier's output.
package scoring

import (
	"fmt"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/model"
)

// Fused is the combined output of both models for one vector.
type Fused struct {
	Probability  float64
	Margin       float64
	AnomalyScore float64
	Anomaly      bool
}

// Fusion runs the classifier and the anomaly detector on the same scaled
// vector. Both always run; neither short-circuits the other.
type Fusion struct {
	classifier *model.Ensemble
	detector   *model.IsolationForest
}

// NewFusion creates a fusion engine over loaded models.
func NewFusion(classifier *model.Ensemble, detector *model.IsolationForest) *Fusion {
	return &Fusion{classifier: classifier, detector: detector}
}

// Score evaluates both models on a scaled vector.
func (f *Fusion) Score(scaled features.Vector) (Fused, error) {
	if len(scaled.Values) != len(f.classifier.FeatureNames) {
		return Fused{}, fmt.Errorf("%w: classifier expects %d features, got %d",
			domain.ErrFeatureMismatch, len(f.classifier.FeatureNames), len(scaled.Values))
	}
	if len(scaled.Values) != len(f.detector.FeatureNames) {
		return Fused{}, fmt.Errorf("%w: detector expects %d features, got %d",
			domain.ErrFeatureMismatch, len(f.detector.FeatureNames), len(scaled.Values))
	}

	margin := f.classifier.Margin(scaled.Values)
	score, anomaly := f.detector.IsAnomaly(scaled.Values)

	return Fused{
		Probability:  model.Sigmoid(margin),
		Margin:       margin,
		AnomalyScore: score,
		Anomaly:      anomaly,
	}, nil
}
