package rules

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Evaluate tests every rule of the catalog against tx, in catalog order,
// and returns one alert per rule that fired. It has no side effects: the
// same transaction and catalog always produce the same alerts.
func Evaluate(tx *domain.Transaction, c *Catalog) []domain.Alert {
	if tx == nil || c == nil {
		return nil
	}

	var act map[string]any
	if c.hasExpr {
		act = activation(tx)
	}

	alerts := make([]domain.Alert, 0, 4)
	for i := range c.rules {
		r := &c.rules[i]
		value, fired := r.match(tx, act)
		if !fired {
			continue
		}
		alerts = append(alerts, domain.Alert{
			RuleID:      r.rule.ID,
			Severity:    r.rule.Severity,
			Description: r.rule.Description,
			Value:       value,
			Weight:      r.rule.Weight,
		})
	}
	return alerts
}

// match reports whether the rule fires and the observed value that made it.
func (r *compiledRule) match(tx *domain.Transaction, act map[string]any) (any, bool) {
	p := &r.rule.Predicate

	switch p.Kind {
	case domain.PredicateAmountAtLeast:
		if p.Currency != "" && !strings.EqualFold(p.Currency, tx.Currency) {
			return nil, false
		}
		return tx.Amount, tx.Amount >= p.Threshold

	case domain.PredicateFXSpreadAbove:
		spread, ok := SpreadRatio(tx)
		if !ok {
			return nil, false
		}
		return roundRatio(spread), spread > p.Threshold

	case domain.PredicateDailyRatioAbove:
		if tx.DailyCashTotal == nil || *tx.DailyCashTotal <= 0 {
			return nil, false
		}
		ratio := tx.Amount / *tx.DailyCashTotal
		return roundRatio(ratio), ratio > p.Threshold

	case domain.PredicateRiskRatingIn:
		rating := strings.ToUpper(strings.TrimSpace(tx.CustomerRiskRating))
		if rating == "" {
			return nil, false
		}
		_, ok := r.values[rating]
		return tx.CustomerRiskRating, ok

	case domain.PredicatePEP:
		if tx.CustomerIsPEP == nil {
			return nil, false
		}
		return true, *tx.CustomerIsPEP

	case domain.PredicateCountryIn:
		for _, country := range []string{tx.OriginatorCountry, tx.BeneficiaryCountry} {
			cc := strings.ToUpper(strings.TrimSpace(country))
			if cc == "" {
				continue
			}
			if _, ok := r.values[cc]; ok {
				return cc, true
			}
		}
		return nil, false

	case domain.PredicateTravelRuleIncomplete:
		if tx.TravelRuleComplete == nil {
			return nil, false
		}
		return false, !*tx.TravelRuleComplete

	case domain.PredicateDailyCountAbove:
		if tx.DailyCashTxnCount == nil {
			return nil, false
		}
		n := *tx.DailyCashTxnCount
		return n, float64(n) > p.Threshold

	case domain.PredicateRoundAmount:
		if tx.Amount <= 0 {
			return nil, false
		}
		mod := decimal.NewFromFloat(tx.Amount).Mod(decimal.NewFromFloat(p.Threshold))
		return tx.Amount, mod.IsZero()

	case domain.PredicateExpression:
		if r.program == nil || act == nil {
			return nil, false
		}
		return true, evalExpression(r.program, act)
	}

	return nil, false
}

// SpreadRatio returns the FX spread as a fraction of the market rate.
// An explicit basis-point spread wins over rates; without it, both rates
// are needed and the market rate must be positive.
func SpreadRatio(tx *domain.Transaction) (float64, bool) {
	if tx.FXSpreadBps != nil {
		return *tx.FXSpreadBps / 10_000, true
	}
	if tx.FXAppliedRate == nil || tx.FXMarketRate == nil || *tx.FXMarketRate <= 0 {
		return 0, false
	}
	return math.Abs(*tx.FXAppliedRate-*tx.FXMarketRate) / *tx.FXMarketRate, true
}

// roundRatio keeps reported ratios readable without affecting the comparison.
func roundRatio(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(6).Float64()
	return f
}
