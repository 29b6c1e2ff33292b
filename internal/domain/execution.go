package domain

import (
	"fmt"
	"time"
)

// Method selects which model signals an analysis uses.
type Method string

const (
	MethodXGBoost         Method = "xgboost"
	MethodIsolationForest Method = "isolation_forest"
	MethodBoth            Method = "both"
)

// UsesXGBoost reports whether the XGBoost signal is requested.
func (m Method) UsesXGBoost() bool { return m == MethodXGBoost || m == MethodBoth }

// UsesIsolationForest reports whether the Isolation Forest signal is requested.
func (m Method) UsesIsolationForest() bool {
	return m == MethodIsolationForest || m == MethodBoth
}

// ParseMethod validates a method string. Empty means both.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return MethodBoth, nil
	case MethodXGBoost, MethodIsolationForest, MethodBoth:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown method %q (want xgboost, isolation_forest or both)", s)
}

// Defaults for analysis parameters.
const (
	DefaultXGBoostThreshold = 0.5
	DefaultContamination    = 0.05
)

// AnalysisConfig holds the parameters an execution ran with.
type AnalysisConfig struct {
	Method              Method  `json:"method"`
	XGBoostThreshold    float64 `json:"xgboostThreshold"`
	Contamination       float64 `json:"isolationForestContamination"`
	IncludeExplanations bool    `json:"includeExplanations"`
	IsoNormConstant     float64 `json:"isoNormConstant"`
}

// Validate checks ranges of the analysis parameters.
func (c AnalysisConfig) Validate() error {
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	// Written as negated ranges so NaN is rejected too.
	if !(c.XGBoostThreshold >= 0 && c.XGBoostThreshold <= 1) {
		return fmt.Errorf("xgboost threshold %v outside [0,1]", c.XGBoostThreshold)
	}
	if !(c.Contamination >= 0 && c.Contamination <= 1) {
		return fmt.Errorf("contamination %v outside [0,1]", c.Contamination)
	}
	return nil
}

// Execution status values.
const (
	ExecutionRunning   = "running"
	ExecutionFinalized = "finalized"
	ExecutionFailed    = "failed"
)

// ExecutionRecord is the audit record of one batch analysis run.
// Its ID is the join key for all feedback.
type ExecutionRecord struct {
	ID            string             `json:"executionId"`
	TenantID      string             `json:"tenantId"`
	Timestamp     time.Time          `json:"analysisTimestamp"`
	Config        AnalysisConfig     `json:"analysisConfig"`
	ModelVersions map[string]string  `json:"modelVersion"`
	DataSource    string             `json:"dataSource"`
	BatchSize     int                `json:"totalTransactions"`
	CatalogVer    uint64             `json:"catalogVersion"`
	Status        string             `json:"status"`
	Summary       *SummaryStatistics `json:"summaryStatistics,omitempty"`
	Consensus     *Consensus         `json:"consensus,omitempty"`
	ModelResults  *ModelResults      `json:"modelResults,omitempty"`
	FinalizedAt   *time.Time         `json:"finalizedAt,omitempty"`
}

// ScoreDistribution summarises fraud risk scores.
type ScoreDistribution struct {
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
}

// CategoryCounts counts transactions per risk category.
type CategoryCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Minimal  int `json:"minimal"`
}

// Add increments the counter for c.
func (cc *CategoryCounts) Add(c RiskCategory) {
	switch c {
	case RiskCritical:
		cc.Critical++
	case RiskHigh:
		cc.High++
	case RiskMedium:
		cc.Medium++
	case RiskLow:
		cc.Low++
	default:
		cc.Minimal++
	}
}

// AlertRuleSummary counts how often one rule fired in a batch.
type AlertRuleSummary struct {
	Count       int      `json:"count"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// SummaryStatistics is the aggregate view of one execution.
type SummaryStatistics struct {
	TotalTransactions  int                         `json:"totalTransactions"`
	ScoredTransactions int                         `json:"scoredTransactions"`
	FailedTransactions int                         `json:"failedTransactions"`
	FraudScores        ScoreDistribution           `json:"fraudScores"`
	RiskCategories     CategoryCounts              `json:"riskCategories"`
	HighRiskPercentage float64                     `json:"highRiskPercentage"`
	TotalAlerts        int                         `json:"totalAlertsTriggered"`
	UniqueAlertTypes   int                         `json:"uniqueAlertTypes"`
	CriticalAlerts     int                         `json:"criticalAlerts"`
	HighAlerts         int                         `json:"highAlerts"`
	AlertSummary       map[string]AlertRuleSummary `json:"alertSummary"`
}

// Consensus summarises agreement between the two models over a batch.
type Consensus struct {
	Total                    int     `json:"total"`
	BothCount                int     `json:"bothCount"`
	BothPercentage           float64 `json:"bothPercentage"`
	XGBoostOnlyCount         int     `json:"xgboostOnlyCount"`
	XGBoostOnlyPercentage    float64 `json:"xgboostOnlyPercentage"`
	IsolationOnlyCount       int     `json:"isolationForestOnlyCount"`
	IsolationOnlyPercentage  float64 `json:"isolationForestOnlyPercentage"`
	NeitherCount             int     `json:"neitherCount"`
	NeitherPercentage        float64 `json:"neitherPercentage"`
	HighConfidenceCount      int     `json:"highConfidenceCount"`
	HighConfidencePercentage float64 `json:"highConfidencePercentage"`
}

// ModelResults reports per-model flag counts for an execution.
type ModelResults struct {
	XGBoost         *ModelFlagCount `json:"xgboost,omitempty"`
	IsolationForest *ModelFlagCount `json:"isolationForest,omitempty"`
}

// ModelFlagCount is the number of transactions one model flagged.
type ModelFlagCount struct {
	Flagged     int     `json:"flaggedCount"`
	Percentage  float64 `json:"flaggedPercentage"`
	Unavailable int     `json:"unavailableCount"`
	Parameter   float64 `json:"parameter"`
}
