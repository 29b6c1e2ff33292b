// Package scoring fuses model signals and alert weights into a fraud risk
// score, classifies it, and aggregates batch statistics.
//
// Everything here is pure: no I/O, no clocks, no shared state.
package scoring

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// IsoNormConstant is the isolation forest score magnitude mapped to the
// full isolation term. Scores at or below -IsoNormConstant earn all of it.
const IsoNormConstant = 0.5

// Point allocations of the three score components.
const (
	XGBoostAllocation         = 40.0
	IsolationForestAllocation = 40.0
	RuleAllocation            = 20.0

	// ruleWeightCap is the summed alert weight that earns the full rule term.
	ruleWeightCap = 100.0
)

// Fuser combines model signals and alerts into a 0-100 score.
// When a signal is absent its allocation is redistributed proportionally
// over the components that are present.
type Fuser struct {
	IsoNormConstant float64
}

// NewFuser returns a Fuser with the default normalization constant.
func NewFuser() *Fuser {
	return &Fuser{IsoNormConstant: IsoNormConstant}
}

// Fuse returns the fraud risk score, rounded to two decimals.
func (f *Fuser) Fuse(xgb, iso *float64, alerts []domain.Alert) float64 {
	return f.Breakdown(xgb, iso, alerts).score
}

// Fused is a score together with the terms it was assembled from.
type Fused struct {
	domain.ScoreBreakdown
	score float64
}

// Score returns the fused score.
func (r Fused) Score() float64 { return r.score }

// Breakdown computes the score and its terms in one pass.
func (f *Fuser) Breakdown(xgb, iso *float64, alerts []domain.Alert) Fused {
	weight := domain.SumAlertWeights(alerts)
	ruleTerm := RuleAllocation * clamp01(float64(weight)/ruleWeightCap)

	allocation := RuleAllocation
	total := ruleTerm

	var out Fused
	out.RuleWeight = weight
	out.RuleTerm = round2(ruleTerm)

	if present(xgb) {
		term := XGBoostAllocation * clamp01(*xgb)
		allocation += XGBoostAllocation
		total += term
		out.XGBoostTerm = ptr(round2(term))
	}
	if present(iso) {
		term := IsolationForestAllocation * clamp01(-*iso/f.norm())
		allocation += IsolationForestAllocation
		total += term
		out.IsolationForestTerm = ptr(round2(term))
	}

	out.Allocation = allocation
	out.Scale = round4(100 / allocation)
	out.score = clampScore(round2(total * 100 / allocation))
	return out
}

func (f *Fuser) norm() float64 {
	if f == nil || f.IsoNormConstant <= 0 || math.IsNaN(f.IsoNormConstant) {
		return IsoNormConstant
	}
	return f.IsoNormConstant
}

// present treats nil and NaN as absent.
func present(v *float64) bool {
	return v != nil && !math.IsNaN(*v)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// round2 rounds half away from zero using decimal arithmetic, so that
// 12.345 becomes 12.35 regardless of its binary representation.
func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func round4(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}

func ptr(v float64) *float64 { return &v }
