package features

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// ColumnStats holds the fitted moments of one numeric column.
type ColumnStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Scaler standardises numeric columns as (v - mean) / std. Indicator
// columns pass through unchanged. A Scaler is immutable once loaded.
type Scaler struct {
	SchemaVersion string                 `json:"schema_version"`
	Columns       map[string]ColumnStats `json:"columns"`
}

// Check verifies that every numeric column of schema has fitted stats.
func (s *Scaler) Check(schema Schema) error {
	for _, name := range schema.Numeric {
		if _, ok := s.Columns[name]; !ok {
			return fmt.Errorf("%w: scaler has no stats for %q", domain.ErrFeatureMismatch, name)
		}
	}
	return nil
}

// Transform returns a scaled copy of v. The input is not modified.
func (s *Scaler) Transform(v Vector, schema Schema) (Vector, error) {
	out := v.Clone()
	for _, name := range schema.Numeric {
		stats, ok := s.Columns[name]
		if !ok {
			return Vector{}, fmt.Errorf("%w: scaler has no stats for %q", domain.ErrFeatureMismatch, name)
		}
		idx := slices.Index(v.Names, name)
		if idx < 0 {
			return Vector{}, fmt.Errorf("%w: vector has no column %q", domain.ErrFeatureMismatch, name)
		}
		std := stats.Std
		if std == 0 {
			std = 1
		}
		out.Values[idx] = (v.Values[idx] - stats.Mean) / std
	}
	return out, nil
}

// FitScaler computes population mean and standard deviation for each
// numeric column. rows must be in schema order.
func FitScaler(rows [][]float64, schema Schema) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("cannot fit scaler on empty corpus")
	}
	s := &Scaler{
		SchemaVersion: schema.Version,
		Columns:       make(map[string]ColumnStats, len(schema.Numeric)),
	}
	n := float64(len(rows))
	for _, name := range schema.Numeric {
		idx := schema.Index(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: numeric column %q not in schema", domain.ErrFeatureMismatch, name)
		}
		var sum float64
		for _, row := range rows {
			sum += row[idx]
		}
		mean := sum / n
		var sq float64
		for _, row := range rows {
			d := row[idx] - mean
			sq += d * d
		}
		s.Columns[name] = ColumnStats{Mean: mean, Std: math.Sqrt(sq / n)}
	}
	return s, nil
}
