package domain

import (
	"time"
)

// Verdict is the action recommended for a scored transaction.
type Verdict string

const (
	VerdictAllow  Verdict = "ALLOW"
	VerdictReview Verdict = "REVIEW"
	VerdictDeny   Verdict = "DENY"
)

// RiskLevel is the coarse label stored alongside a verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a verdict to its stored risk label.
func RiskLevelFor(v Verdict) RiskLevel {
	switch v {
	case VerdictAllow:
		return RiskLow
	case VerdictReview:
		return RiskHigh
	case VerdictDeny:
		return RiskCritical
	default:
		return RiskMedium
	}
}

// Attribution is one feature's contribution to the fraud score.
type Attribution struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
	// Value is the engineered input before scaling.
	Value float64 `json:"value"`
}

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	RiskScore       float64       `json:"risk_score"`
	Verdict         Verdict       `json:"verdict"`
	AnomalyDetected bool          `json:"anomaly_detected"`
	Explanation     []Attribution `json:"explanation"`
	Timestamp       time.Time     `json:"timestamp"`

	// Degraded is set when scoring ran without the fitted scaler.
	Degraded     bool   `json:"degraded,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// AnalyzeResponse is the API response for a scored transaction.
type AnalyzeResponse struct {
	TxID string `json:"txId"`
	*Assessment
	RiskLevel      RiskLevel    `json:"risk_level"`
	IsFlagged      bool         `json:"is_flagged"`
	RuleViolations []RuleResult `json:"rule_violations,omitempty"`

	// Reasons are the analyst-facing causes of a flag.
	Reasons []string `json:"reasons,omitempty"`
}

// ToResponse converts a stored record into an API response.
func (r *TransactionRecord) ToResponse() *AnalyzeResponse {
	return &AnalyzeResponse{
		TxID: r.ID,
		Assessment: &Assessment{
			RiskScore:       r.RiskScore,
			Verdict:         r.Verdict,
			AnomalyDetected: r.AnomalyDetected,
			Explanation:     r.Explanation,
			Timestamp:       r.Timestamp,
			Degraded:        r.Degraded,
			ModelVersion:    r.ModelVersion,
		},
		RiskLevel:      r.RiskLevel,
		IsFlagged:      r.IsFlagged,
		RuleViolations: r.RuleViolations,
		Reasons:        r.Reasons,
	}
}
