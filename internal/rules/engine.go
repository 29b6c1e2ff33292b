// Package rules provides the alert rule catalog, its sources and the
// deterministic evaluator that raises alerts for a transaction.
package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles alert rules into catalog snapshots.
// Expression rules are CEL programs over the transaction fields.
type Engine struct {
	env *cel.Env
}

// NewEngine creates the CEL environment shared by every snapshot.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		// Full transaction view. Optional fields are present only when set,
		// so expressions can guard with has(tx.field).
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("product_type", cel.StringType),
		cel.Variable("customer_type", cel.StringType),
		cel.Variable("customer_risk_rating", cel.StringType),
		cel.Variable("originator_country", cel.StringType),
		cel.Variable("beneficiary_country", cel.StringType),
		cel.Variable("booking_jurisdiction", cel.StringType),
		cel.Variable("regulator", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Validate checks a rule without loading it anywhere.
func (e *Engine) Validate(rule *domain.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	_, err := e.compile(*rule)
	return err
}

// Build compiles rule sets into a new snapshot. Sets are merged in order:
// a rule whose id was already seen replaces the earlier entry in place,
// new ids are appended.
func (e *Engine) Build(version uint64, sets ...[]domain.AlertRule) (*Catalog, error) {
	index := make(map[string]int)
	var merged []compiledRule

	for _, set := range sets {
		for _, rule := range set {
			compiled, err := e.compile(rule)
			if err != nil {
				return nil, err
			}
			if i, ok := index[rule.ID]; ok {
				merged[i] = compiled
				continue
			}
			index[rule.ID] = len(merged)
			merged = append(merged, compiled)
		}
	}

	return newCatalog(version, merged), nil
}

func (e *Engine) compile(rule domain.AlertRule) (compiledRule, error) {
	if err := rule.Validate(); err != nil {
		return compiledRule{}, err
	}

	// Detach from the caller's slices.
	rule.Predicate.Values = append([]string(nil), rule.Predicate.Values...)
	c := compiledRule{rule: rule}

	switch rule.Predicate.Kind {
	case domain.PredicateRiskRatingIn, domain.PredicateCountryIn:
		c.values = make(map[string]struct{}, len(rule.Predicate.Values))
		for _, v := range rule.Predicate.Values {
			c.values[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
		}

	case domain.PredicateExpression:
		ast, issues := e.env.Compile(rule.Predicate.Expression)
		if issues != nil && issues.Err() != nil {
			return compiledRule{}, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return compiledRule{}, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return compiledRule{}, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
		}
		c.program = program
	}

	return c, nil
}

// evalExpression runs a compiled program. Evaluation errors, such as a
// missing map key, count as not firing.
func evalExpression(program cel.Program, activation map[string]any) bool {
	out, _, err := program.Eval(activation)
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}

// activation builds the CEL variables for one transaction.
func activation(tx *domain.Transaction) map[string]any {
	view := map[string]any{
		"id":                   tx.ID,
		"customer_id":          tx.CustomerID,
		"amount":               tx.Amount,
		"currency":             tx.Currency,
		"channel":              tx.Channel,
		"product_type":         tx.ProductType,
		"customer_type":        tx.CustomerType,
		"customer_risk_rating": tx.CustomerRiskRating,
		"originator_country":   tx.OriginatorCountry,
		"beneficiary_country":  tx.BeneficiaryCountry,
		"booking_jurisdiction": tx.BookingJurisdiction,
		"regulator":            tx.Regulator,
	}
	putFloat := func(k string, v *float64) {
		if v != nil {
			view[k] = *v
		}
	}
	putBool := func(k string, v *bool) {
		if v != nil {
			view[k] = *v
		}
	}
	putFloat("fx_applied_rate", tx.FXAppliedRate)
	putFloat("fx_market_rate", tx.FXMarketRate)
	putFloat("fx_spread_bps", tx.FXSpreadBps)
	putFloat("daily_cash_total_customer", tx.DailyCashTotal)
	if tx.DailyCashTxnCount != nil {
		view["daily_cash_txn_count"] = int64(*tx.DailyCashTxnCount)
	}
	putBool("product_complex", tx.ProductComplex)
	putBool("customer_is_pep", tx.CustomerIsPEP)
	putBool("travel_rule_complete", tx.TravelRuleComplete)

	return map[string]any{
		"tx":                   view,
		"amount":               tx.Amount,
		"currency":             tx.Currency,
		"channel":              tx.Channel,
		"product_type":         tx.ProductType,
		"customer_type":        tx.CustomerType,
		"customer_risk_rating": tx.CustomerRiskRating,
		"originator_country":   tx.OriginatorCountry,
		"beneficiary_country":  tx.BeneficiaryCountry,
		"booking_jurisdiction": tx.BookingJurisdiction,
		"regulator":            tx.Regulator,
	}
}
