package domain

import (
	"math"
	"strings"
)

// Transaction is a single financial transaction submitted for analysis.
// Optional numeric and boolean inputs are pointers so that an absent field
// is distinguishable from a zero value.
type Transaction struct {
	// Core identifiers
	ID         string `json:"transactionId"`
	CustomerID string `json:"customerId,omitempty"`

	// Financial details
	Amount        float64  `json:"amount"`
	Currency      string   `json:"currency"`
	FXAppliedRate *float64 `json:"fxAppliedRate,omitempty"`
	FXMarketRate  *float64 `json:"fxMarketRate,omitempty"`
	FXSpreadBps   *float64 `json:"fxSpreadBps,omitempty"`

	// Customer daily activity
	DailyCashTotal    *float64 `json:"dailyCashTotalCustomer,omitempty"`
	DailyCashTxnCount *int     `json:"dailyCashTxnCount,omitempty"`

	// Product and channel
	Channel        string `json:"channel,omitempty"`
	ProductType    string `json:"productType,omitempty"`
	ProductComplex *bool  `json:"productComplex,omitempty"`

	// Customer profile
	CustomerType       string `json:"customerType,omitempty"`
	CustomerRiskRating string `json:"customerRiskRating,omitempty"`
	CustomerIsPEP      *bool  `json:"customerIsPep,omitempty"`

	// Geography and regulation
	OriginatorCountry   string `json:"originatorCountry,omitempty"`
	BeneficiaryCountry  string `json:"beneficiaryCountry,omitempty"`
	BookingJurisdiction string `json:"bookingJurisdiction,omitempty"`
	Regulator           string `json:"regulator,omitempty"`
	TravelRuleComplete  *bool  `json:"travelRuleComplete,omitempty"`

	// Signal produced upstream by the model layer, if the caller already has one.
	Signal *ModelSignal `json:"modelSignal,omitempty"`
}

// Validate checks the fields the scoring core relies on.
// It returns a *ValidationError naming the first offending field.
func (t *Transaction) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{TxID: t.ID, Field: field, Reason: reason}
	}

	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return invalid("amount", "must be a finite number")
	}
	if t.Amount < 0 {
		return invalid("amount", "must not be negative")
	}
	if t.Currency != "" && len(strings.TrimSpace(t.Currency)) != 3 {
		return invalid("currency", "must be a 3-letter ISO code")
	}

	optional := []struct {
		field string
		v     *float64
	}{
		{"fxAppliedRate", t.FXAppliedRate},
		{"fxMarketRate", t.FXMarketRate},
		{"fxSpreadBps", t.FXSpreadBps},
		{"dailyCashTotalCustomer", t.DailyCashTotal},
	}
	for _, o := range optional {
		if o.v == nil {
			continue
		}
		if math.IsNaN(*o.v) || math.IsInf(*o.v, 0) {
			return invalid(o.field, "must be a finite number")
		}
		if *o.v < 0 {
			return invalid(o.field, "must not be negative")
		}
	}

	if t.DailyCashTxnCount != nil && *t.DailyCashTxnCount < 0 {
		return invalid("dailyCashTxnCount", "must not be negative")
	}

	if t.Signal != nil {
		if p := t.Signal.XGBoostProbability; p != nil && (*p < 0 || *p > 1) {
			return invalid("modelSignal.xgboostProbability", "must be within [0,1]")
		}
	}

	return nil
}

// Context returns the descriptive fields carried alongside a score.
func (t *Transaction) Context() map[string]string {
	ctx := make(map[string]string)
	add := func(k, v string) {
		if v != "" {
			ctx[k] = v
		}
	}
	add("currency", t.Currency)
	add("channel", t.Channel)
	add("originatorCountry", t.OriginatorCountry)
	add("beneficiaryCountry", t.BeneficiaryCountry)
	add("customerType", t.CustomerType)
	add("customerRiskRating", t.CustomerRiskRating)
	if t.CustomerIsPEP != nil {
		if *t.CustomerIsPEP {
			ctx["customerIsPep"] = "true"
		} else {
			ctx["customerIsPep"] = "false"
		}
	}
	return ctx
}

// Float returns a pointer to v. Handy for building optional fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
