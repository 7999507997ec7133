package main

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// Positive reports whether a verdict counts as a fraud prediction.
func Positive(v domain.Verdict) bool {
	return v == domain.VerdictReview || v == domain.VerdictDeny
}

// Tally accumulates benchmark outcomes from concurrent workers.
type Tally struct {
	mu sync.Mutex
	s  Summary
}

// Summary is a point-in-time copy of a Tally.
type Summary struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
	Processed      int64
	Errors         int64

	// Fraud amounts, summed exactly.
	AmountCaught decimal.Decimal
	AmountMissed decimal.Decimal

	Latency time.Duration
}

// Add records one scored transaction.
func (t *Tally) Add(actual, predicted bool, amount float64, elapsed time.Duration) {
	amt := decimal.NewFromFloat(amount)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.Processed++
	t.s.Latency += elapsed
	switch {
	case predicted && actual:
		t.s.TruePositives++
		t.s.AmountCaught = t.s.AmountCaught.Add(amt)
	case predicted && !actual:
		t.s.FalsePositives++
	case !predicted && !actual:
		t.s.TrueNegatives++
	default:
		t.s.FalseNegatives++
		t.s.AmountMissed = t.s.AmountMissed.Add(amt)
	}
}

// Error records a failed request.
func (t *Tally) Error(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Processed++
	t.s.Errors++
	t.s.Latency += elapsed
}

// Snapshot returns the current totals.
func (t *Tally) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

// Precision returns TP / (TP + FP).
func (s Summary) Precision() float64 {
	return ratio(s.TruePositives, s.TruePositives+s.FalsePositives)
}

// Recall returns TP / (TP + FN).
func (s Summary) Recall() float64 {
	return ratio(s.TruePositives, s.TruePositives+s.FalseNegatives)
}

// F1 returns the harmonic mean of precision and recall.
func (s Summary) F1() float64 {
	p, r := s.Precision(), s.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy returns the share of correct predictions.
func (s Summary) Accuracy() float64 {
	total := s.TruePositives + s.TrueNegatives + s.FalsePositives + s.FalseNegatives
	return ratio(s.TruePositives+s.TrueNegatives, total)
}

// AmountRecallPercent returns caught / (caught + missed) * 100.
func (s Summary) AmountRecallPercent() decimal.Decimal {
	total := s.AmountCaught.Add(s.AmountMissed)
	if total.IsZero() {
		return decimal.Zero
	}
	return s.AmountCaught.Div(total).Mul(decimal.NewFromInt(100))
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
