package training

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/aegisflow/internal/artifact"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/model"
)

// Config controls a full fitting run.
type Config struct {
	Schema  features.Schema
	Booster BoosterParams
	Forest  ForestParams
}

// DefaultConfig returns the reference fitting parameters.
func DefaultConfig() Config {
	return Config{
		Schema:  features.DefaultSchema,
		Booster: DefaultBoosterParams(),
		Forest:  DefaultForestParams(),
	}
}

// Result holds fitted artifacts and training-set diagnostics.
type Result struct {
	Schema     features.Schema
	Scaler     *features.Scaler
	Classifier *model.Ensemble
	Detector   *model.IsolationForest
	Report     Report
}

// Report summarises the fit on the training data.
type Report struct {
	Samples        int           `json:"samples"`
	Positives      int           `json:"positives"`
	TruePositives  int           `json:"true_positives"`
	FalsePositives int           `json:"false_positives"`
	FalseNegatives int           `json:"false_negatives"`
	AnomalyRate    float64       `json:"anomaly_rate"`
	Duration       time.Duration `json:"duration"`
}

// Precision returns TP / (TP + FP).
func (r Report) Precision() float64 {
	if r.TruePositives+r.FalsePositives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalsePositives)
}

// Recall returns TP / (TP + FN).
func (r Report) Recall() float64 {
	if r.TruePositives+r.FalseNegatives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
}

// Fit engineers, scales and fits both models on samples.
func Fit(samples []Sample, cfg Config) (*Result, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	start := time.Now()
	eng := features.NewEngineer(cfg.Schema)

	raw := make([][]float64, len(samples))
	labels := make([]bool, len(samples))
	for i := range samples {
		v, err := eng.Build(&samples[i].Tx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		raw[i] = v.Values
		labels[i] = samples[i].Fraud
	}

	scaler, err := features.FitScaler(raw, cfg.Schema)
	if err != nil {
		return nil, err
	}

	scaled := make([][]float64, len(raw))
	for i, values := range raw {
		v, err := scaler.Transform(features.Vector{Names: cfg.Schema.Names, Values: values}, cfg.Schema)
		if err != nil {
			return nil, err
		}
		scaled[i] = v.Values
	}

	slog.Info("fitting classifier",
		"samples", len(scaled),
		"trees", cfg.Booster.Trees,
		"max_depth", cfg.Booster.MaxDepth,
	)
	classifier, err := FitBooster(scaled, labels, cfg.Schema.Names, cfg.Booster)
	if err != nil {
		return nil, fmt.Errorf("fit classifier: %w", err)
	}

	slog.Info("fitting anomaly detector",
		"trees", cfg.Forest.Trees,
		"sample_size", cfg.Forest.SampleSize,
		"contamination", cfg.Forest.Contamination,
	)
	detector, err := FitForest(scaled, cfg.Schema.Names, cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("fit anomaly detector: %w", err)
	}

	res := &Result{
		Schema:     cfg.Schema,
		Scaler:     scaler,
		Classifier: classifier,
		Detector:   detector,
	}
	res.Report = evaluate(classifier, detector, scaled, labels)
	res.Report.Duration = time.Since(start)
	return res, nil
}

func evaluate(c *model.Ensemble, d *model.IsolationForest, rows [][]float64, labels []bool) Report {
	r := Report{Samples: len(rows)}
	anomalies := 0
	for i, row := range rows {
		predicted := c.PredictProba(row) > 0.5
		switch {
		case predicted && labels[i]:
			r.TruePositives++
		case predicted && !labels[i]:
			r.FalsePositives++
		case !predicted && labels[i]:
			r.FalseNegatives++
		}
		if labels[i] {
			r.Positives++
		}
		if _, anomaly := d.IsAnomaly(row); anomaly {
			anomalies++
		}
	}
	r.AnomalyRate = float64(anomalies) / float64(len(rows))
	return r
}

// Write stores the fitted artifacts and manifest in dir.
func (r *Result) Write(dir, version string) (*artifact.Manifest, error) {
	return artifact.Write(dir, version, r.Schema.Version, map[string]any{
		artifact.ScalerFile:     r.Scaler,
		artifact.ClassifierFile: r.Classifier,
		artifact.DetectorFile:   r.Detector,
	})
}
