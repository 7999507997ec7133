package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/model"
)

// TopN is the number of attributions reported per assessment.
const TopN = 5

// Explainer attributes the classifier's fraud log-odds to input features.
// The TreeSHAP state is built once, at construction.
type Explainer struct {
	shap  *model.TreeSHAP
	names []string
	topN  int
}

// NewExplainer builds an explainer for the given classifier.
func NewExplainer(classifier *model.Ensemble) *Explainer {
	return &Explainer{
		shap:  model.NewTreeSHAP(classifier),
		names: classifier.FeatureNames,
		topN:  TopN,
	}
}

// ExpectedValue returns the fraud-class log-odds of the background.
func (e *Explainer) ExpectedValue() float64 {
	return model.FraudMargin(e.shap.ExpectedValues())
}

// Contributions returns exactly one fraud-class contribution per feature.
func (e *Explainer) Contributions(scaled features.Vector) ([]float64, error) {
	if len(scaled.Values) != len(e.names) {
		return nil, fmt.Errorf("%w: explainer expects %d features, got %d",
			domain.ErrFeatureMismatch, len(e.names), len(scaled.Values))
	}
	return normalizeContributions(e.shap.Contributions(scaled.Values)), nil
}

// Explain returns the most influential features, largest absolute impact
// first. Impacts are computed on the scaled vector; reported values come
// from raw.
func (e *Explainer) Explain(scaled, raw features.Vector) ([]domain.Attribution, error) {
	contribs, err := e.Contributions(scaled)
	if err != nil {
		return nil, err
	}
	if len(raw.Values) != len(contribs) {
		return nil, fmt.Errorf("%w: raw vector has %d features, expected %d",
			domain.ErrFeatureMismatch, len(raw.Values), len(contribs))
	}
	return Rank(e.names, contribs, raw.Values, e.topN), nil
}

// normalizeContributions reduces per-group contributions to the fraud
// class. A single group is used as is; with two groups the fraud
// log-odds is class 1 minus class 0.
func normalizeContributions(groups [][]float64) []float64 {
	switch len(groups) {
	case 1:
		return groups[0]
	case 2:
		out := make([]float64, len(groups[1]))
		for i := range out {
			out[i] = groups[1][i] - groups[0][i]
		}
		return out
	default:
		return nil
	}
}

// Rank orders features by descending absolute impact and keeps the first
// n. Ties keep schema order.
func Rank(names []string, impacts, values []float64, n int) []domain.Attribution {
	out := make([]domain.Attribution, len(names))
	for i, name := range names {
		out[i] = domain.Attribution{Feature: name, Impact: impacts[i], Value: values[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Impact) > math.Abs(out[j].Impact)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
