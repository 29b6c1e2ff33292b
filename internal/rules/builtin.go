package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// HighRiskCountries are the jurisdictions matched by high_risk_country.
var HighRiskCountries = []string{"KP", "IR", "SY", "MM", "AF", "YE", "IQ", "SS"}

// Builtin returns the default alert catalog in evaluation order.
// Each call returns a fresh slice.
func Builtin() []domain.AlertRule {
	rules := []domain.AlertRule{
		{
			ID:          "very_high_value",
			RuleType:    domain.RuleTypeAmount,
			Predicate:   domain.Predicate{Kind: domain.PredicateAmountAtLeast, Threshold: 10_000_000},
			Weight:      40,
			Severity:    domain.SeverityCritical,
			Description: "Transaction amount of 10M or more",
		},
		{
			ID:          "high_value",
			RuleType:    domain.RuleTypeAmount,
			Predicate:   domain.Predicate{Kind: domain.PredicateAmountAtLeast, Threshold: 1_000_000},
			Weight:      25,
			Severity:    domain.SeverityHigh,
			Description: "Transaction amount of 1M or more",
		},
		{
			ID:          "extreme_fx_spread",
			RuleType:    domain.RuleTypeFX,
			Predicate:   domain.Predicate{Kind: domain.PredicateFXSpreadAbove, Threshold: 0.10},
			Weight:      25,
			Severity:    domain.SeverityCritical,
			Description: "FX spread above 10% of the market rate",
		},
		{
			ID:          "unusual_fx_spread",
			RuleType:    domain.RuleTypeFX,
			Predicate:   domain.Predicate{Kind: domain.PredicateFXSpreadAbove, Threshold: 0.05},
			Weight:      15,
			Severity:    domain.SeverityMedium,
			Description: "FX spread above 5% of the market rate",
		},
		{
			ID:          "large_daily_ratio",
			RuleType:    domain.RuleTypeBehavioural,
			Predicate:   domain.Predicate{Kind: domain.PredicateDailyRatioAbove, Threshold: 0.70},
			Weight:      20,
			Severity:    domain.SeverityMedium,
			Description: "Single transaction above 70% of the customer's daily cash total",
		},
		{
			ID:          "pep_customer",
			RuleType:    domain.RuleTypeCustomer,
			Predicate:   domain.Predicate{Kind: domain.PredicatePEP},
			Weight:      15,
			Severity:    domain.SeverityMedium,
			Description: "Customer is a politically exposed person",
		},
		{
			ID:          "high_risk_customer",
			RuleType:    domain.RuleTypeCustomer,
			Predicate:   domain.Predicate{Kind: domain.PredicateRiskRatingIn, Values: []string{"high"}},
			Weight:      20,
			Severity:    domain.SeverityHigh,
			Description: "Customer carries a high risk rating",
		},
		{
			ID:          "travel_rule_incomplete",
			RuleType:    domain.RuleTypeCompliance,
			Predicate:   domain.Predicate{Kind: domain.PredicateTravelRuleIncomplete},
			Weight:      10,
			Severity:    domain.SeverityLow,
			Description: "Travel rule information incomplete",
		},
		{
			ID:          "high_risk_country",
			RuleType:    domain.RuleTypeGeography,
			Predicate:   domain.Predicate{Kind: domain.PredicateCountryIn, Values: append([]string(nil), HighRiskCountries...)},
			Weight:      15,
			Severity:    domain.SeverityHigh,
			Description: "Originator or beneficiary in a high-risk jurisdiction",
		},
		{
			ID:          "frequent_transactions",
			RuleType:    domain.RuleTypeBehavioural,
			Predicate:   domain.Predicate{Kind: domain.PredicateDailyCountAbove, Threshold: 20},
			Weight:      10,
			Severity:    domain.SeverityLow,
			Description: "More than 20 cash transactions in a day",
		},
		{
			ID:          "round_amount",
			RuleType:    domain.RuleTypeAmount,
			Predicate:   domain.Predicate{Kind: domain.PredicateRoundAmount, Threshold: 100_000},
			Weight:      5,
			Severity:    domain.SeverityLow,
			Description: "Amount is an exact multiple of 100,000",
		},
	}
	for i := range rules {
		rules[i].Provenance = domain.ProvenanceBuiltin
	}
	return rules
}
