package scoring

import "github.com/opensource-finance/kestrel/internal/domain"

// Lower bounds of each risk category, inclusive.
const (
	CriticalFrom = 80.0
	HighFrom     = 60.0
	MediumFrom   = 40.0
	LowFrom      = 20.0
)

// Classify maps a score to its risk category. Scores outside [0,100] are
// clamped first, so every float has a category.
func Classify(score float64) domain.RiskCategory {
	s := clampScore(score)
	switch {
	case s >= CriticalFrom:
		return domain.RiskCritical
	case s >= HighFrom:
		return domain.RiskHigh
	case s >= MediumFrom:
		return domain.RiskMedium
	case s >= LowFrom:
		return domain.RiskLow
	default:
		return domain.RiskMinimal
	}
}
