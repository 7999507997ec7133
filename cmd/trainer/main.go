// AegisFlow trainer - fits a model bundle from synthetic or PaySim data.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0
//
// Usage:
//
//	go run ./cmd/trainer -out ./models
//	go run ./cmd/trainer -out ./models -paysim /path/to/paysim.csv -limit 200000
//	go run ./cmd/trainer -out ./models -params trainer.yaml
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/training"
)

// Params is the optional YAML override for fitting parameters.
type Params struct {
	Booster training.BoosterParams `yaml:"booster"`
	Forest  training.ForestParams  `yaml:"forest"`
}

func main() {
	outDir := flag.String("out", "models", "Directory to write the model bundle to")
	version := flag.String("version", "", "Bundle version (default: timestamp)")
	samples := flag.Int("samples", 10000, "Number of synthetic samples")
	seed := flag.Uint64("seed", 42, "Synthetic data seed")
	paysimPath := flag.String("paysim", "", "Train on a PaySim CSV instead of synthetic data")
	limit := flag.Int("limit", 0, "Maximum PaySim rows to read (0 = all)")
	paramsPath := flag.String("params", "", "YAML file overriding booster/forest parameters")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	slog.SetDefault(logging.New(*logLevel, "text"))

	cfg := training.DefaultConfig()
	if *paramsPath != "" {
		if err := loadParams(*paramsPath, &cfg); err != nil {
			slog.Error("failed to load parameters", "path", *paramsPath, "error", err)
			os.Exit(1)
		}
	}

	data, err := loadSamples(*paysimPath, *limit, *samples, *seed)
	if err != nil {
		slog.Error("failed to load training data", "error", err)
		os.Exit(1)
	}

	res, err := training.Fit(data, cfg)
	if err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(1)
	}

	if *version == "" {
		*version = time.Now().UTC().Format("20060102-150405")
	}
	manifest, err := res.Write(*outDir, *version)
	if err != nil {
		slog.Error("failed to write bundle", "dir", *outDir, "error", err)
		os.Exit(1)
	}

	slog.Info("bundle written",
		"dir", *outDir,
		"version", manifest.Version,
		"schema_version", manifest.SchemaVersion,
		"files", len(manifest.Files),
	)
	printReport(res.Report)
}

// loadParams overlays the YAML file onto cfg. Fields absent from the file
// keep their defaults.
func loadParams(path string, cfg *training.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p := Params{Booster: cfg.Booster, Forest: cfg.Forest}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if p.Booster.Trees <= 0 || p.Booster.MaxDepth <= 0 || p.Booster.LearningRate <= 0 {
		return errors.New("booster: trees, max_depth and learning_rate must be positive")
	}
	if p.Forest.Trees <= 0 || p.Forest.SampleSize <= 1 {
		return errors.New("forest: trees must be positive and sample_size greater than 1")
	}
	if p.Forest.Contamination <= 0 || p.Forest.Contamination >= 0.5 {
		return errors.New("forest: contamination must be in (0, 0.5)")
	}
	cfg.Booster = p.Booster
	cfg.Forest = p.Forest
	return nil
}

func loadSamples(paysimPath string, limit, n int, seed uint64) ([]training.Sample, error) {
	if paysimPath == "" {
		sc := training.DefaultSyntheticConfig()
		sc.Samples = n
		sc.Seed = seed
		slog.Info("generating synthetic corpus", "samples", n, "seed", seed)
		return training.Generate(sc), nil
	}

	f, err := os.Open(paysimPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []training.Sample
	skipped, err := training.ReadPaySim(f, limit, func(rec training.PaySimRecord) error {
		out = append(out, rec.Sample)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("paysim corpus loaded", "path", paysimPath, "rows", len(out), "skipped", skipped)
	return out, nil
}

func printReport(r training.Report) {
	fmt.Println()
	fmt.Println("TRAINING REPORT")
	fmt.Printf("   Samples:      %d\n", r.Samples)
	fmt.Printf("   Positives:    %d\n", r.Positives)
	fmt.Printf("   Precision:    %.4f\n", r.Precision())
	fmt.Printf("   Recall:       %.4f\n", r.Recall())
	fmt.Printf("   Anomaly rate: %.4f\n", r.AnomalyRate)
	fmt.Printf("   Duration:     %v\n", r.Duration.Round(time.Millisecond))
	fmt.Println()
}
