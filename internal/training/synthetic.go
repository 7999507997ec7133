// Package training fits the artifact bundle consumed by the predictor.
// It fits one booster, one isolation forest and a standard scaler on a
// labelled corpus.
package training

import (
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// Sample is one labelled transaction.
type Sample struct {
	Tx    domain.Transaction
	Fraud bool
}

// SyntheticConfig controls the generated corpus.
type SyntheticConfig struct {
	Samples int
	Seed    uint64

	// DrainRate is the share of transfers and cash-outs rewritten to empty
	// the origin account.
	DrainRate float64

	// Start is the timestamp of the first sample; each subsequent sample is
	// one minute later.
	Start time.Time
}

// DefaultSyntheticConfig mirrors the reference corpus: 10000 samples,
// seed 42, starting 2024-01-01.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Samples:   10000,
		Seed:      42,
		DrainRate: 0.02,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// IsFraud applies the labelling rule of the synthetic corpus: transfers
// and cash-outs over 200 that leave under 10 in the origin account, and
// payments over 500.
func IsFraud(tx *domain.Transaction) bool {
	switch tx.Type {
	case domain.TypeTransfer, domain.TypeCashOut:
		return tx.Amount > 200 && tx.NewBalanceOrig < 10
	case domain.TypePayment:
		return tx.Amount > 500
	default:
		return false
	}
}

// Generate returns a deterministic labelled corpus.
func Generate(cfg SyntheticConfig) []Sample {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	types := domain.TransactionTypes

	out := make([]Sample, cfg.Samples)
	for i := range out {
		ts := cfg.Start.Add(time.Duration(i) * time.Minute)
		tx := domain.Transaction{
			Type:           types[rng.IntN(len(types))],
			Amount:         rng.ExpFloat64()*100 + 0.01,
			OldBalanceOrig: rng.Float64() * 100000,
			NewBalanceOrig: rng.Float64() * 100000,
			OldBalanceDest: rng.Float64() * 100000,
			NewBalanceDest: rng.Float64() * 100000,
			Time:           &ts,
		}

		if (tx.Type == domain.TypeTransfer || tx.Type == domain.TypeCashOut) && rng.Float64() < cfg.DrainRate {
			tx.Amount = 200 + rng.Float64()*9800
			tx.OldBalanceOrig = tx.Amount
			tx.NewBalanceOrig = 0
		}

		out[i] = Sample{Tx: tx, Fraud: IsFraud(&tx)}
	}
	return out
}
