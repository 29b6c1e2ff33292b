package scoring

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Suspicious flags transactions whose XGBoost probability is at least
// threshold. Absent probabilities are never suspicious.
func Suspicious(signals []domain.ModelSignal, threshold float64) []bool {
	out := make([]bool, len(signals))
	for i, s := range signals {
		out[i] = present(s.XGBoostProbability) && *s.XGBoostProbability >= threshold
	}
	return out
}

// Anomalous flags the contamination fraction of transactions with the most
// negative isolation forest scores. The fraction is taken over transactions
// that have a score, rounded up; ties keep batch order.
func Anomalous(signals []domain.ModelSignal, contamination float64) []bool {
	out := make([]bool, len(signals))

	idx := make([]int, 0, len(signals))
	for i, s := range signals {
		if present(s.IsolationForestScore) {
			idx = append(idx, i)
		}
	}
	k := anomalyCount(len(idx), contamination)
	if k == 0 {
		return out
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return *signals[idx[a]].IsolationForestScore < *signals[idx[b]].IsolationForestScore
	})
	for _, i := range idx[:k] {
		out[i] = true
	}
	return out
}

// anomalyCount is ceil(contamination * n), capped at n.
func anomalyCount(n int, contamination float64) int {
	if n == 0 || contamination <= 0 {
		return 0
	}
	k := int(decimal.NewFromFloat(contamination).Mul(decimal.NewFromInt(int64(n))).Ceil().IntPart())
	if k > n {
		return n
	}
	return k
}

// Consensus counts agreement between the two model flags. Percentages are
// relative to the number of transactions; an empty batch yields zeros.
func Consensus(suspicious, anomalous []bool) domain.Consensus {
	n := len(suspicious)
	if len(anomalous) < n {
		n = len(anomalous)
	}

	c := domain.Consensus{Total: n}
	for i := 0; i < n; i++ {
		switch {
		case suspicious[i] && anomalous[i]:
			c.BothCount++
		case suspicious[i]:
			c.XGBoostOnlyCount++
		case anomalous[i]:
			c.IsolationOnlyCount++
		default:
			c.NeitherCount++
		}
	}
	c.HighConfidenceCount = c.BothCount

	c.BothPercentage = Percent(c.BothCount, n)
	c.XGBoostOnlyPercentage = Percent(c.XGBoostOnlyCount, n)
	c.IsolationOnlyPercentage = Percent(c.IsolationOnlyCount, n)
	c.NeitherPercentage = Percent(c.NeitherCount, n)
	c.HighConfidencePercentage = Percent(c.HighConfidenceCount, n)
	return c
}

// ModelResults reports how many transactions each requested model flagged.
func ModelResults(cfg domain.AnalysisConfig, signals []domain.ModelSignal, suspicious, anomalous []bool) domain.ModelResults {
	n := len(signals)
	var res domain.ModelResults

	if cfg.Method.UsesXGBoost() {
		m := &domain.ModelFlagCount{Parameter: cfg.XGBoostThreshold}
		for i, s := range signals {
			if !present(s.XGBoostProbability) {
				m.Unavailable++
			}
			if i < len(suspicious) && suspicious[i] {
				m.Flagged++
			}
		}
		m.Percentage = Percent(m.Flagged, n)
		res.XGBoost = m
	}

	if cfg.Method.UsesIsolationForest() {
		m := &domain.ModelFlagCount{Parameter: cfg.Contamination}
		for i, s := range signals {
			if !present(s.IsolationForestScore) {
				m.Unavailable++
			}
			if i < len(anomalous) && anomalous[i] {
				m.Flagged++
			}
		}
		m.Percentage = Percent(m.Flagged, n)
		res.IsolationForest = m
	}

	return res
}

// Percent returns part/total*100 rounded to two decimals, 0 when total is 0.
func Percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2).
		Float64()
	return f
}
