package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

func sampleTx() *domain.Transaction {
	ts := time.Date(2024, 1, 1, 3, 15, 0, 0, time.UTC)
	return &domain.Transaction{
		Type:           domain.TypeTransfer,
		Amount:         250,
		OldBalanceOrig: 1000,
		NewBalanceOrig: 750,
		OldBalanceDest: 10,
		NewBalanceDest: 260,
		Time:           &ts,
	}
}

func TestEngineerBuild(t *testing.T) {
	eng := NewEngineer(DefaultSchema)

	t.Run("OrderAndValues", func(t *testing.T) {
		v, err := eng.Build(sampleTx())
		require.NoError(t, err)
		require.Equal(t, DefaultSchema.Names, v.Names)
		assert.Equal(t, []float64{250, 1000, 750, 10, 260, 3, 0, 0, 0, 0, 1}, v.Values)
	})

	t.Run("ExactlyOneIndicator", func(t *testing.T) {
		for _, typ := range domain.TransactionTypes {
			tx := sampleTx()
			tx.Type = typ
			v, err := eng.Build(tx)
			require.NoError(t, err)

			var sum float64
			for _, name := range v.Names {
				if !DefaultSchema.IsNumeric(name) {
					val, _ := v.Get(name)
					sum += val
				}
			}
			assert.Equal(t, 1.0, sum, "type %s", typ)
			hot, _ := v.Get(IndicatorName(typ))
			assert.Equal(t, 1.0, hot)
		}
	})

	t.Run("MissingTimestampUsesDefaultHour", func(t *testing.T) {
		tx := sampleTx()
		tx.Time = nil
		v, err := eng.Build(tx)
		require.NoError(t, err)
		hour, ok := v.Get("hour_of_day")
		require.True(t, ok)
		assert.Equal(t, float64(DefaultHour), hour)
	})

	t.Run("HourUsesTimestampLocation", func(t *testing.T) {
		loc := time.FixedZone("UTC+5", 5*3600)
		ts := time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC).In(loc)
		tx := sampleTx()
		tx.Time = &ts
		v, err := eng.Build(tx)
		require.NoError(t, err)
		hour, _ := v.Get("hour_of_day")
		assert.Equal(t, 3.0, hour)
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := eng.Build(sampleTx())
		require.NoError(t, err)
		b, err := eng.Build(sampleTx())
		require.NoError(t, err)
		assert.Equal(t, a.Values, b.Values)
	})

	t.Run("UnknownSchemaColumnIsZero", func(t *testing.T) {
		schema := Schema{
			Version: "test",
			Names:   append([]string{"extra"}, DefaultSchema.Names...),
			Numeric: DefaultSchema.Numeric,
		}
		v, err := NewEngineer(schema).Build(sampleTx())
		require.NoError(t, err)
		require.Len(t, v.Values, schema.Len())
		assert.Equal(t, 0.0, v.Values[0])
		assert.Equal(t, 250.0, v.Values[1])
	})
}

func TestEngineerValidation(t *testing.T) {
	eng := NewEngineer(DefaultSchema)

	tests := []struct {
		name   string
		mutate func(tx *domain.Transaction)
	}{
		{"ZeroAmount", func(tx *domain.Transaction) { tx.Amount = 0 }},
		{"NegativeAmount", func(tx *domain.Transaction) { tx.Amount = -5 }},
		{"NegativeOldBalance", func(tx *domain.Transaction) { tx.OldBalanceOrig = -1 }},
		{"NegativeDestBalance", func(tx *domain.Transaction) { tx.NewBalanceDest = -0.01 }},
		{"UnknownType", func(tx *domain.Transaction) { tx.Type = "WIRE" }},
		{"EmptyType", func(tx *domain.Transaction) { tx.Type = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := sampleTx()
			tt.mutate(tx)
			_, err := eng.Build(tx)
			require.ErrorIs(t, err, domain.ErrInvalidTransaction)
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, DefaultSchema.Validate(DefaultSchema.Names))

	swapped := append([]string(nil), DefaultSchema.Names...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.ErrorIs(t, DefaultSchema.Validate(swapped), domain.ErrFeatureMismatch)
	assert.ErrorIs(t, DefaultSchema.Validate(DefaultSchema.Names[:5]), domain.ErrFeatureMismatch)
}

func TestScaler(t *testing.T) {
	eng := NewEngineer(DefaultSchema)

	t.Run("FitPopulationStats", func(t *testing.T) {
		rows := [][]float64{
			{1, 0, 0, 0, 0, 12, 0, 0, 0, 1, 0},
			{3, 0, 0, 0, 0, 12, 0, 0, 0, 1, 0},
		}
		s, err := FitScaler(rows, DefaultSchema)
		require.NoError(t, err)
		assert.Equal(t, "v1", s.SchemaVersion)
		assert.InDelta(t, 2.0, s.Columns["amount"].Mean, 1e-12)
		assert.InDelta(t, 1.0, s.Columns["amount"].Std, 1e-12)
		assert.Equal(t, 0.0, s.Columns["hour_of_day"].Std)
		assert.NotContains(t, s.Columns, "type_PAYMENT")
	})

	t.Run("FitEmpty", func(t *testing.T) {
		_, err := FitScaler(nil, DefaultSchema)
		assert.Error(t, err)
	})

	t.Run("TransformNumericOnly", func(t *testing.T) {
		s := unitScaler()
		s.Columns["amount"] = ColumnStats{Mean: 50, Std: 100}

		raw, err := eng.Build(sampleTx())
		require.NoError(t, err)
		scaled, err := s.Transform(raw, DefaultSchema)
		require.NoError(t, err)

		amount, _ := scaled.Get("amount")
		assert.InDelta(t, 2.0, amount, 1e-12)
		hot, _ := scaled.Get("type_TRANSFER")
		assert.Equal(t, 1.0, hot)

		orig, _ := raw.Get("amount")
		assert.Equal(t, 250.0, orig, "input vector must not be modified")
	})

	t.Run("ZeroStdTreatedAsOne", func(t *testing.T) {
		s := unitScaler()
		s.Columns["hour_of_day"] = ColumnStats{Mean: 12, Std: 0}

		raw, err := eng.Build(sampleTx())
		require.NoError(t, err)
		scaled, err := s.Transform(raw, DefaultSchema)
		require.NoError(t, err)
		hour, _ := scaled.Get("hour_of_day")
		assert.Equal(t, -9.0, hour)
	})

	t.Run("MissingColumn", func(t *testing.T) {
		s := unitScaler()
		delete(s.Columns, "newbalanceDest")

		require.ErrorIs(t, s.Check(DefaultSchema), domain.ErrFeatureMismatch)

		raw, err := eng.Build(sampleTx())
		require.NoError(t, err)
		_, err = s.Transform(raw, DefaultSchema)
		assert.ErrorIs(t, err, domain.ErrFeatureMismatch)
	})
}

func unitScaler() *Scaler {
	s := &Scaler{SchemaVersion: DefaultSchema.Version, Columns: map[string]ColumnStats{}}
	for _, name := range DefaultSchema.Numeric {
		s.Columns[name] = ColumnStats{Mean: 0, Std: 1}
	}
	return s
}
