package scoring

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Summarize aggregates the scored transactions of one execution. total is
// the submitted batch size, including transactions that failed validation.
// The result depends only on the inputs and their order.
func Summarize(total int, scored []domain.ScoredTransaction) domain.SummaryStatistics {
	n := len(scored)
	stats := domain.SummaryStatistics{
		TotalTransactions:  total,
		ScoredTransactions: n,
		FailedTransactions: total - n,
		AlertSummary:       make(map[string]domain.AlertRuleSummary),
	}
	if stats.FailedTransactions < 0 {
		stats.FailedTransactions = 0
	}
	if n == 0 {
		return stats
	}

	scores := make([]float64, n)
	sum := decimal.Zero
	highRisk := 0
	for i, s := range scored {
		scores[i] = s.FraudRiskScore
		sum = sum.Add(decimal.NewFromFloat(s.FraudRiskScore))

		stats.RiskCategories.Add(s.RiskCategory)
		if s.RiskCategory.IsHighRisk() {
			highRisk++
		}

		for _, a := range s.Alerts {
			stats.TotalAlerts++
			switch a.Severity {
			case domain.SeverityCritical:
				stats.CriticalAlerts++
			case domain.SeverityHigh:
				stats.HighAlerts++
			}
			entry, ok := stats.AlertSummary[a.RuleID]
			if !ok {
				entry = domain.AlertRuleSummary{Severity: a.Severity, Description: a.Description}
			}
			entry.Count++
			stats.AlertSummary[a.RuleID] = entry
		}
	}
	stats.UniqueAlertTypes = len(stats.AlertSummary)
	stats.HighRiskPercentage = Percent(highRisk, n)

	sort.Float64s(scores)
	avg, _ := sum.DivRound(decimal.NewFromInt(int64(n)), 2).Float64()
	stats.FraudScores = domain.ScoreDistribution{
		Average: avg,
		Median:  median(scores),
		Min:     scores[0],
		Max:     scores[n-1],
	}
	return stats
}

// median of sorted values; the mean of the middle pair for even lengths.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	f, _ := decimal.NewFromFloat(sorted[n/2-1]).
		Add(decimal.NewFromFloat(sorted[n/2])).
		DivRound(decimal.NewFromInt(2), 2).
		Float64()
	return f
}
