package features

import (
	"github.com/opensource-finance/aegisflow/internal/domain"
)

// Engineer derives model inputs from a transaction. It is pure and safe
// for concurrent use.
type Engineer struct {
	schema Schema
}

// NewEngineer creates an engineer emitting vectors in schema order.
func NewEngineer(schema Schema) *Engineer {
	return &Engineer{schema: schema}
}

// Schema returns the layout this engineer emits.
func (e *Engineer) Schema() Schema {
	return e.schema
}

// Build validates tx and returns its feature vector. Every schema column is
// present; columns the engineer does not derive are zero.
func (e *Engineer) Build(tx *domain.Transaction) (Vector, error) {
	if err := tx.Validate(); err != nil {
		return Vector{}, err
	}

	hour := HourOf(tx)

	derived := map[string]float64{
		"amount":         tx.Amount,
		"oldbalanceOrg":  tx.OldBalanceOrig,
		"newbalanceOrig": tx.NewBalanceOrig,
		"oldbalanceDest": tx.OldBalanceDest,
		"newbalanceDest": tx.NewBalanceDest,
		"hour_of_day":    float64(hour),
	}
	for _, t := range domain.TransactionTypes {
		derived[IndicatorName(t)] = 0
	}
	derived[IndicatorName(tx.Type)] = 1

	values := make([]float64, len(e.schema.Names))
	for i, name := range e.schema.Names {
		values[i] = derived[name]
	}

	return Vector{Names: e.schema.Names, Values: values}, nil
}

// HourOf returns the hour of day in the timestamp's own location, or
// DefaultHour when tx carries no timestamp.
func HourOf(tx *domain.Transaction) int {
	if tx.Time == nil {
		return DefaultHour
	}
	return tx.Time.Hour()
}
