// Package modeltest provides small hand-built artifacts with known
// behaviour for tests.
//
// The classifier encodes two patterns on top of a base log-odds of -2.5:
// payments above 500 (+3.0) and non-payment transfers above 200 that
// leave the origin balance under 20 (+5.0). Transactions that keep a
// healthy origin balance get -0.5.
//
// The detector isolates amounts above 2100 and destination balances
// above 200000.
package modeltest

import (
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/features"
	"github.com/opensource-finance/aegisflow/internal/model"
)

// Feature positions in features.DefaultSchema.
const (
	idxAmount         = 0
	idxNewBalanceOrig = 2
	idxNewBalanceDest = 4
	idxPayment        = 9
)

// Version is the model version stamped on fixture bundles.
const Version = "fixture-1"

// Scaler returns standardisation stats for the fixture models.
func Scaler() *features.Scaler {
	balance := features.ColumnStats{Mean: 50000, Std: 30000}
	return &features.Scaler{
		SchemaVersion: features.DefaultSchema.Version,
		Columns: map[string]features.ColumnStats{
			"amount":         {Mean: 100, Std: 100},
			"oldbalanceOrg":  balance,
			"newbalanceOrig": balance,
			"oldbalanceDest": balance,
			"newbalanceDest": balance,
			"hour_of_day":    {Mean: 12, Std: 7},
		},
	}
}

// Classifier returns a single-group boosted ensemble.
func Classifier() *model.Ensemble {
	return &model.Ensemble{
		FeatureNames: features.DefaultSchema.Names,
		BaseMargin:   -2.5,
		NumGroups:    1,
		Trees: []model.Tree{
			{Nodes: []model.Node{
				{Left: 1, Right: 2, Feature: idxAmount, Threshold: 4.0, Cover: 1000},
				{Left: -1, Right: -1, Value: 0, Cover: 950},
				{Left: 3, Right: 4, Feature: idxPayment, Threshold: 0.5, Cover: 50},
				{Left: -1, Right: -1, Value: 0.5, Cover: 30},
				{Left: -1, Right: -1, Value: 3.0, Cover: 20},
			}},
			{Nodes: []model.Node{
				{Left: 1, Right: 2, Feature: idxNewBalanceOrig, Threshold: -1.666, Cover: 1000},
				{Left: 3, Right: 4, Feature: idxAmount, Threshold: 1.0, Cover: 100},
				{Left: -1, Right: -1, Value: -0.5, Cover: 900},
				{Left: -1, Right: -1, Value: 0.2, Cover: 40},
				{Left: 5, Right: 6, Feature: idxPayment, Threshold: 0.5, Cover: 60},
				{Left: -1, Right: -1, Value: 5.0, Cover: 50},
				{Left: -1, Right: -1, Value: 0.5, Cover: 10},
			}},
		},
	}
}

// Detector returns a two-tree isolation forest with threshold 0.6.
func Detector() *model.IsolationForest {
	return &model.IsolationForest{
		FeatureNames:  features.DefaultSchema.Names,
		SampleSize:    256,
		Threshold:     0.6,
		Contamination: 0.05,
		Trees: []model.IsoTree{
			{Nodes: []model.IsoNode{
				{Left: 1, Right: 2, Feature: idxAmount, Threshold: 20},
				{Left: -1, Right: -1, Size: 255},
				{Left: -1, Right: -1, Size: 1},
			}},
			{Nodes: []model.IsoNode{
				{Left: 1, Right: 2, Feature: idxNewBalanceDest, Threshold: 5},
				{Left: -1, Right: -1, Size: 250},
				{Left: -1, Right: -1, Size: 6},
			}},
		},
	}
}

// HighAmountPayment is a payment of 600 at noon. Scores 0.5 (REVIEW).
func HighAmountPayment() *domain.Transaction {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	return &domain.Transaction{
		Type:           domain.TypePayment,
		Amount:         600,
		OldBalanceOrig: 1000,
		NewBalanceOrig: 400,
		OldBalanceDest: 0,
		NewBalanceDest: 0,
		Time:           &ts,
	}
}

// DrainingTransfer empties the origin account. Scores above 0.95 (DENY)
// and is anomalous.
func DrainingTransfer() *domain.Transaction {
	ts := time.Date(2024, 1, 15, 3, 30, 0, 0, time.UTC)
	return &domain.Transaction{
		Type:           domain.TypeTransfer,
		Amount:         9000,
		OldBalanceOrig: 9000,
		NewBalanceOrig: 0,
		OldBalanceDest: 0,
		NewBalanceDest: 0,
		Time:           &ts,
	}
}

// SmallPayment is an ordinary payment. Scores below 0.05 (ALLOW).
func SmallPayment() *domain.Transaction {
	ts := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	return &domain.Transaction{
		Type:           domain.TypePayment,
		Amount:         50,
		OldBalanceOrig: 10000,
		NewBalanceOrig: 9950,
		OldBalanceDest: 2000,
		NewBalanceDest: 2050,
		Time:           &ts,
	}
}

// LargeDeposit is unusual but not fraud-shaped. The classifier scores it
// low, the detector flags it, so the verdict is REVIEW.
func LargeDeposit() *domain.Transaction {
	return &domain.Transaction{
		Type:           domain.TypeCashIn,
		Amount:         5000,
		OldBalanceOrig: 100000,
		NewBalanceOrig: 105000,
		OldBalanceDest: 20000,
		NewBalanceDest: 15000,
	}
}
