package domain

// ModelSignal is the pair of model outputs for one transaction.
// A nil field means the model did not run or did not answer.
type ModelSignal struct {
	XGBoostProbability   *float64 `json:"xgboostProbability"`
	IsolationForestScore *float64 `json:"isolationForestScore"`
}

// RiskCategory is the ordinal label derived from a fraud risk score.
type RiskCategory string

const (
	RiskMinimal  RiskCategory = "MINIMAL"
	RiskLow      RiskCategory = "LOW"
	RiskMedium   RiskCategory = "MEDIUM"
	RiskHigh     RiskCategory = "HIGH"
	RiskCritical RiskCategory = "CRITICAL"
)

// Rank orders categories MINIMAL(0) < LOW < MEDIUM < HIGH < CRITICAL(4).
// Unknown values rank -1.
func (c RiskCategory) Rank() int {
	switch c {
	case RiskMinimal:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return -1
}

// IsHighRisk reports whether the category counts toward the high-risk share.
func (c RiskCategory) IsHighRisk() bool {
	return c == RiskHigh || c == RiskCritical
}

// ScoreBreakdown explains how a fused score was assembled.
type ScoreBreakdown struct {
	XGBoostTerm         *float64 `json:"xgboostTerm,omitempty"`
	IsolationForestTerm *float64 `json:"isolationForestTerm,omitempty"`
	RuleTerm            float64  `json:"ruleTerm"`
	RuleWeight          int      `json:"ruleWeight"`
	Allocation          float64  `json:"allocation"`
	Scale               float64  `json:"scale"`
}

// ScoredTransaction is the per-transaction output of an analysis pass.
type ScoredTransaction struct {
	TransactionID  string            `json:"transactionId"`
	Amount         float64           `json:"amount"`
	FraudRiskScore float64           `json:"fraudRiskScore"`
	RiskCategory   RiskCategory      `json:"riskCategory"`
	Alerts         []Alert           `json:"alerts"`
	Signal         ModelSignal       `json:"modelScores"`
	Suspicious     bool              `json:"xgboostSuspicious"`
	Anomalous      bool              `json:"isolationForestAnomalous"`
	Context        map[string]string `json:"context,omitempty"`
	Explanation    *ScoreBreakdown   `json:"explanation,omitempty"`
	Feedback       []Feedback        `json:"feedback,omitempty"`
}

// AlertWeight returns the summed weight of distinct rules that fired.
func (s *ScoredTransaction) AlertWeight() int {
	return SumAlertWeights(s.Alerts)
}

// SumAlertWeights sums alert weights, counting each rule id once.
func SumAlertWeights(alerts []Alert) int {
	seen := make(map[string]struct{}, len(alerts))
	total := 0
	for _, a := range alerts {
		if _, dup := seen[a.RuleID]; dup {
			continue
		}
		seen[a.RuleID] = struct{}{}
		if a.Weight > 0 {
			total += a.Weight
		}
	}
	return total
}

// TransactionError reports a transaction that could not be scored.
type TransactionError struct {
	Index         int    `json:"index"`
	TransactionID string `json:"transactionId"`
	Field         string `json:"field,omitempty"`
	Error         string `json:"error"`
}
