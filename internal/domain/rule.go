package domain

import (
	"fmt"
	"math"
)

// Severity is the severity attached to an alert rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Provenance records where a rule came from.
type Provenance string

const (
	ProvenanceBuiltin  Provenance = "builtin"
	ProvenanceExternal Provenance = "external"
)

// PredicateKind selects how a rule is tested against a transaction.
type PredicateKind string

const (
	// PredicateAmountAtLeast fires when amount >= Threshold, optionally
	// restricted to a single Currency.
	PredicateAmountAtLeast PredicateKind = "amount_at_least"

	// PredicateFXSpreadAbove fires when the FX spread ratio > Threshold.
	PredicateFXSpreadAbove PredicateKind = "fx_spread_above"

	// PredicateDailyRatioAbove fires when amount / daily total > Threshold.
	PredicateDailyRatioAbove PredicateKind = "daily_ratio_above"

	// PredicateRiskRatingIn fires when the customer risk rating is in Values.
	PredicateRiskRatingIn PredicateKind = "risk_rating_in"

	// PredicatePEP fires when the customer is a politically exposed person.
	PredicatePEP PredicateKind = "pep"

	// PredicateCountryIn fires when originator or beneficiary is in Values.
	PredicateCountryIn PredicateKind = "country_in"

	// PredicateTravelRuleIncomplete fires when the travel-rule flag is false.
	PredicateTravelRuleIncomplete PredicateKind = "travel_rule_incomplete"

	// PredicateDailyCountAbove fires when the daily txn count > Threshold.
	PredicateDailyCountAbove PredicateKind = "daily_count_above"

	// PredicateRoundAmount fires when amount > 0 and amount is a multiple of Threshold.
	PredicateRoundAmount PredicateKind = "round_amount"

	// PredicateExpression fires when the CEL Expression evaluates to true.
	PredicateExpression PredicateKind = "expression"
)

// Predicate describes the condition an AlertRule tests.
type Predicate struct {
	Kind       PredicateKind `json:"kind" yaml:"kind"`
	Threshold  float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Currency   string        `json:"currency,omitempty" yaml:"currency,omitempty"`
	Values     []string      `json:"values,omitempty" yaml:"values,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// AlertRule is one entry of the rule catalog.
type AlertRule struct {
	ID          string     `json:"id" yaml:"id"`
	RuleType    string     `json:"ruleType" yaml:"ruleType"`
	Predicate   Predicate  `json:"predicate" yaml:"predicate"`
	Weight      int        `json:"weight" yaml:"weight"`
	Severity    Severity   `json:"severity" yaml:"severity"`
	Description string     `json:"description" yaml:"description"`
	Provenance  Provenance `json:"provenance" yaml:"provenance"`
}

// Alert is a rule that fired for one transaction.
type Alert struct {
	RuleID      string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Value       any      `json:"value"`
	Weight      int      `json:"weight"`
}

// Rule type categories.
const (
	RuleTypeAmount      = "amount"
	RuleTypeFX          = "fx"
	RuleTypeBehavioural = "behavioural"
	RuleTypeCustomer    = "customer"
	RuleTypeGeography   = "geography"
	RuleTypeCompliance  = "compliance"
	RuleTypeThreshold   = "threshold_reporting"
	RuleTypeCustom      = "custom"
)

// GlobalTenantID owns rules that apply to all tenants.
const GlobalTenantID = "*"

// Validate checks the structural fields of a rule. Expression rules are
// compiled separately by the rule engine.
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Weight < 0 {
		return fmt.Errorf("rule %s: weight must not be negative", r.ID)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if math.IsNaN(r.Predicate.Threshold) || math.IsInf(r.Predicate.Threshold, 0) {
		return fmt.Errorf("rule %s: threshold must be finite", r.ID)
	}
	switch r.Predicate.Kind {
	case PredicateAmountAtLeast, PredicateFXSpreadAbove, PredicateDailyRatioAbove,
		PredicateDailyCountAbove:
		if r.Predicate.Threshold < 0 {
			return fmt.Errorf("rule %s: threshold must not be negative", r.ID)
		}
	case PredicateRoundAmount:
		if r.Predicate.Threshold <= 0 {
			return fmt.Errorf("rule %s: round amount modulus must be positive", r.ID)
		}
	case PredicateRiskRatingIn, PredicateCountryIn:
		if len(r.Predicate.Values) == 0 {
			return fmt.Errorf("rule %s: %s needs at least one value", r.ID, r.Predicate.Kind)
		}
	case PredicatePEP, PredicateTravelRuleIncomplete:
	case PredicateExpression:
		if r.Predicate.Expression == "" {
			return fmt.Errorf("rule %s: expression is required", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown predicate kind %q", r.ID, r.Predicate.Kind)
	}
	return nil
}
