// Package features turns a raw transaction into the ordered numeric vector
// consumed by the scoring models.
package features

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// DefaultHour is used when a transaction carries no timestamp.
const DefaultHour = 12

// Schema fixes the name, order and kind of every model input.
// Fitting and serving must share the same Schema value.
type Schema struct {
	Version string   `json:"version"`
	Names   []string `json:"names"`
	Numeric []string `json:"numeric"`
}

// DefaultSchema is the v1 layout: six scaled numerics followed by one
// indicator per transaction type.
var DefaultSchema = Schema{
	Version: "v1",
	Names: []string{
		"amount",
		"oldbalanceOrg",
		"newbalanceOrig",
		"oldbalanceDest",
		"newbalanceDest",
		"hour_of_day",
		"type_CASH_IN",
		"type_CASH_OUT",
		"type_DEBIT",
		"type_PAYMENT",
		"type_TRANSFER",
	},
	Numeric: []string{
		"amount",
		"oldbalanceOrg",
		"newbalanceOrig",
		"oldbalanceDest",
		"newbalanceDest",
		"hour_of_day",
	},
}

// IndicatorName returns the one-hot column name for a transaction type.
func IndicatorName(t domain.TransactionType) string {
	return "type_" + string(t)
}

// Len returns the number of features.
func (s Schema) Len() int { return len(s.Names) }

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	return slices.Index(s.Names, name)
}

// IsNumeric reports whether name is a scaled column.
func (s Schema) IsNumeric(name string) bool {
	return slices.Contains(s.Numeric, name)
}

// Validate checks that names matches the schema exactly, in order.
func (s Schema) Validate(names []string) error {
	return MatchNames(s.Names, names)
}

// MatchNames checks that got lists the expected features in order.
func MatchNames(expected, got []string) error {
	if len(got) != len(expected) {
		return fmt.Errorf("%w: expected %d features, got %d", domain.ErrFeatureMismatch, len(expected), len(got))
	}
	for i, name := range got {
		if name != expected[i] {
			return fmt.Errorf("%w: position %d is %q, expected %q", domain.ErrFeatureMismatch, i, name, expected[i])
		}
	}
	return nil
}

// Vector is an ordered feature vector.
type Vector struct {
	Names  []string
	Values []float64
}

// Get returns the value for name.
func (v Vector) Get(name string) (float64, bool) {
	i := slices.Index(v.Names, name)
	if i < 0 || i >= len(v.Values) {
		return 0, false
	}
	return v.Values[i], true
}

// Clone returns a deep copy of the values. Names are shared.
func (v Vector) Clone() Vector {
	return Vector{Names: v.Names, Values: slices.Clone(v.Values)}
}
