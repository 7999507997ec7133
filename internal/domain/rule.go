package domain

// Rule outcomes. Rules annotate an assessment; they never change the verdict.
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)

// RuleConfig is a tenant's CEL policy rule. The expression yields a number
// (booleans count as 0 or 1) that Bands maps to an outcome.
type RuleConfig struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Expression  string     `json:"expression"`
	Bands       []RuleBand `json:"bands"`
	Weight      float64    `json:"weight"`
	Enabled     bool       `json:"enabled"`
}

// RuleBand covers [LowerLimit, UpperLimit). A nil limit is unbounded.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"`
	Reason     string   `json:"reason"`
}

// Contains reports whether score falls inside the band.
func (b RuleBand) Contains(score float64) bool {
	if b.LowerLimit != nil && score < *b.LowerLimit {
		return false
	}
	return b.UpperLimit == nil || score < *b.UpperLimit
}

// Outcome maps an expression score to a sub-rule ref and reason. The
// first containing band wins. A rule without bands fails on any positive
// score.
func (c *RuleConfig) Outcome(score float64) (ref, reason string) {
	if len(c.Bands) == 0 {
		if score > 0 {
			return RuleOutcomeFail, "expression matched"
		}
		return RuleOutcomePass, "expression did not match"
	}
	for _, band := range c.Bands {
		if band.Contains(score) {
			return band.SubRuleRef, band.Reason
		}
	}
	return RuleOutcomePass, "no matching band"
}

// RuleResult is one rule's verdict on one transaction.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	TenantID   string  `json:"tenantId"`
	TxID       string  `json:"txId"`
	SubRuleRef string  `json:"subRuleRef"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	ProcessMs  int64   `json:"processMs"`
}

// Failed reports whether the result should flag the transaction.
func (r RuleResult) Failed() bool {
	return r.SubRuleRef == RuleOutcomeFail
}

// Notable reports whether the result belongs in an analyst's reason list.
func (r RuleResult) Notable() bool {
	return r.SubRuleRef == RuleOutcomeFail || r.SubRuleRef == RuleOutcomeReview
}
