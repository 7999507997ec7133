package domain

import (
	"fmt"
	"math"
	"time"
)

// TransactionType is the closed set of payment kinds the scorer understands.
type TransactionType string

const (
	TypeCashIn   TransactionType = "CASH_IN"
	TypeCashOut  TransactionType = "CASH_OUT"
	TypeDebit    TransactionType = "DEBIT"
	TypePayment  TransactionType = "PAYMENT"
	TypeTransfer TransactionType = "TRANSFER"
)

// TransactionTypes lists every accepted type in indicator order.
var TransactionTypes = []TransactionType{
	TypeCashIn,
	TypeCashOut,
	TypeDebit,
	TypePayment,
	TypeTransfer,
}

// Valid reports whether t is one of the accepted transaction types.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction is a single transaction submitted for scoring.
type Transaction struct {
	// Identifiers are carried for outer layers and never read by the scorer.
	ID            string `json:"id,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	OriginAccount string `json:"nameOrig,omitempty"`
	DestAccount   string `json:"nameDest,omitempty"`

	Type           TransactionType `json:"type"`
	Amount         float64         `json:"amount"`
	OldBalanceOrig float64         `json:"oldbalanceOrg"`
	NewBalanceOrig float64         `json:"newbalanceOrig"`
	OldBalanceDest float64         `json:"oldbalanceDest"`
	NewBalanceDest float64         `json:"newbalanceDest"`

	// Time is optional; scoring falls back to a default hour when absent.
	Time *time.Time `json:"transaction_time,omitempty"`
}

// Validate checks the input constraints required before scoring.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	if !isFinite(t.Amount) || t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidTransaction)
	}
	balances := []struct {
		name  string
		value float64
	}{
		{"oldbalanceOrg", t.OldBalanceOrig},
		{"newbalanceOrig", t.NewBalanceOrig},
		{"oldbalanceDest", t.OldBalanceDest},
		{"newbalanceDest", t.NewBalanceDest},
	}
	for _, b := range balances {
		if !isFinite(b.value) || b.value < 0 {
			return fmt.Errorf("%w: %s must be non-negative", ErrInvalidTransaction, b.name)
		}
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, t.Type)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TransactionRecord is a scored transaction as persisted and listed.
type TransactionRecord struct {
	Transaction

	RiskScore       float64       `json:"risk_score"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	Verdict         Verdict       `json:"verdict"`
	AnomalyDetected bool          `json:"anomaly_detected"`
	IsFlagged       bool          `json:"is_flagged"`
	Explanation     []Attribution `json:"explanation"`
	RuleViolations  []RuleResult  `json:"rule_violations,omitempty"`
	Reasons         []string      `json:"reasons,omitempty"`
	Degraded        bool          `json:"degraded,omitempty"`
	ModelVersion    string        `json:"model_version,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
