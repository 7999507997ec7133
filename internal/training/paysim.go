package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// PaySimEpoch is the timestamp assigned to step 0 of a PaySim file.
var PaySimEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// PaySimRecord is one row of a PaySim CSV.
type PaySimRecord struct {
	Step   int
	Sample Sample
}

var paySimColumns = []string{
	"step", "type", "amount", "nameOrig", "oldbalanceOrg", "newbalanceOrig",
	"nameDest", "oldbalanceDest", "newbalanceDest", "isFraud",
}

// ReadPaySim streams rows from a PaySim CSV, calling fn for each valid
// row. Rows that fail validation are skipped and counted. Reading stops
// after limit rows when limit > 0.
func ReadPaySim(r io.Reader, limit int, fn func(PaySimRecord) error) (skipped int, err error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, col := range paySimColumns {
		if _, ok := idx[col]; !ok {
			return 0, fmt.Errorf("missing column %q", col)
		}
	}

	count := 0
	for limit <= 0 || count < limit {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return skipped, fmt.Errorf("read row %d: %w", count+1, err)
		}

		row, ok := parsePaySimRow(rec, idx)
		if !ok {
			skipped++
			continue
		}
		count++
		if err := fn(row); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func parsePaySimRow(rec []string, idx map[string]int) (PaySimRecord, bool) {
	num := func(col string) (float64, bool) {
		v, err := strconv.ParseFloat(rec[idx[col]], 64)
		return v, err == nil
	}

	step, err := strconv.Atoi(rec[idx["step"]])
	if err != nil {
		return PaySimRecord{}, false
	}
	var ok [5]bool
	tx := domain.Transaction{
		Type:          domain.TransactionType(rec[idx["type"]]),
		OriginAccount: rec[idx["nameOrig"]],
		DestAccount:   rec[idx["nameDest"]],
	}
	tx.Amount, ok[0] = num("amount")
	tx.OldBalanceOrig, ok[1] = num("oldbalanceOrg")
	tx.NewBalanceOrig, ok[2] = num("newbalanceOrig")
	tx.OldBalanceDest, ok[3] = num("oldbalanceDest")
	tx.NewBalanceDest, ok[4] = num("newbalanceDest")
	for _, v := range ok {
		if !v {
			return PaySimRecord{}, false
		}
	}
	ts := PaySimEpoch.Add(time.Duration(step) * time.Hour)
	tx.Time = &ts

	if tx.Validate() != nil {
		return PaySimRecord{}, false
	}

	return PaySimRecord{
		Step:   step,
		Sample: Sample{Tx: tx, Fraud: rec[idx["isFraud"]] == "1"},
	}, true
}
