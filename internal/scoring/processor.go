package scoring

import "github.com/opensource-finance/kestrel/internal/domain"

// ExplainFrom is the lowest score that carries a breakdown when
// explanations are requested.
const ExplainFrom = HighFrom

// Processor turns one transaction's signal and alerts into a scored result.
type Processor struct {
	Fuser *Fuser
}

// NewProcessor creates a processor with the default fuser.
func NewProcessor() *Processor {
	return &Processor{Fuser: NewFuser()}
}

// Input is everything needed to score one transaction.
type Input struct {
	Tx      *domain.Transaction
	Signal  domain.ModelSignal
	Alerts  []domain.Alert
	Explain bool
}

// Process fuses and classifies one transaction. Batch-level flags
// (suspicious, anomalous) are filled in later by the caller.
func (p *Processor) Process(in Input) domain.ScoredTransaction {
	fused := p.Fuser.Breakdown(in.Signal.XGBoostProbability, in.Signal.IsolationForestScore, in.Alerts)
	score := fused.Score()

	alerts := in.Alerts
	if alerts == nil {
		alerts = []domain.Alert{}
	}

	out := domain.ScoredTransaction{
		TransactionID:  in.Tx.ID,
		Amount:         in.Tx.Amount,
		FraudRiskScore: score,
		RiskCategory:   Classify(score),
		Alerts:         alerts,
		Signal:         in.Signal,
		Context:        in.Tx.Context(),
	}
	if in.Explain && score >= ExplainFrom {
		breakdown := fused.ScoreBreakdown
		out.Explanation = &breakdown
	}
	return out
}

// Rescore recomputes the score and category of a stored result from its
// own signal and alerts.
func (p *Processor) Rescore(s domain.ScoredTransaction) (float64, domain.RiskCategory) {
	score := p.Fuser.Fuse(s.Signal.XGBoostProbability, s.Signal.IsolationForestScore, s.Alerts)
	return score, Classify(score)
}
