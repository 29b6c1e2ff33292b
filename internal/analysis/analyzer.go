// Package analysis runs a batch of transactions through the scoring
// pipeline and records the execution.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-analysis")

// ErrInvalidOptions is wrapped when analysis parameters are out of range.
var ErrInvalidOptions = errors.New("invalid analysis options")

// Options are the caller-supplied parameters of one analysis.
// Nil thresholds fall back to the configured defaults.
type Options struct {
	Method              domain.Method `json:"method,omitempty"`
	XGBoostThreshold    *float64      `json:"xgboostThreshold,omitempty"`
	Contamination       *float64      `json:"isolationForestContamination,omitempty"`
	IncludeExplanations bool          `json:"includeExplanations,omitempty"`
	DataSource          string        `json:"dataSource,omitempty"`
}

// BatchRequest is the payload published on domain.TopicBatchSubmitted.
// TenantID is only read from messages on the global subscription.
type BatchRequest struct {
	TenantID     string               `json:"tenantId,omitempty"`
	Transactions []domain.Transaction `json:"transactions"`
	Options      Options              `json:"options"`
}

// Result is the outcome of one Analyze call.
type Result struct {
	ExecutionID    string                     `json:"executionId"`
	Timestamp      time.Time                  `json:"analysisTimestamp"`
	Config         domain.AnalysisConfig      `json:"analysisConfig"`
	ModelVersions  map[string]string          `json:"modelVersion"`
	CatalogVersion uint64                     `json:"catalogVersion"`
	Transactions   []domain.ScoredTransaction `json:"transactions"`
	Summary        domain.SummaryStatistics   `json:"summaryStatistics"`
	Consensus      *domain.Consensus          `json:"consensus,omitempty"`
	ModelResults   domain.ModelResults        `json:"modelResults"`
	Errors         []domain.TransactionError  `json:"errors"`
}

// Deps are the collaborators of an Analyzer. Bus and Metrics may be nil.
type Deps struct {
	Rules    *rules.Store
	Provider inference.Provider
	Recorder *audit.Recorder
	Bus      domain.EventBus
	Metrics  *metrics.Metrics
}

// Analyzer scores batches against the current rule catalog.
type Analyzer struct {
	cfg       domain.ScoringConfig
	rules     *rules.Store
	provider  inference.Provider
	recorder  *audit.Recorder
	bus       domain.EventBus
	metrics   *metrics.Metrics
	processor *scoring.Processor
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg domain.ScoringConfig, deps Deps) *Analyzer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	provider := deps.Provider
	if provider == nil {
		provider = &inference.SuppliedProvider{}
	}
	return &Analyzer{
		cfg:       cfg,
		rules:     deps.Rules,
		provider:  provider,
		recorder:  deps.Recorder,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		processor: &scoring.Processor{Fuser: &scoring.Fuser{IsoNormConstant: cfg.IsoNormConstant}},
	}
}

// Config resolves opts against the configured defaults and validates them.
func (a *Analyzer) Config(opts Options) (domain.AnalysisConfig, error) {
	method, err := domain.ParseMethod(string(opts.Method))
	if err != nil {
		return domain.AnalysisConfig{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	cfg := domain.AnalysisConfig{
		Method:              method,
		XGBoostThreshold:    a.cfg.XGBoostThreshold,
		Contamination:       a.cfg.Contamination,
		IncludeExplanations: opts.IncludeExplanations,
		IsoNormConstant:     a.processor.Fuser.IsoNormConstant,
	}
	if opts.XGBoostThreshold != nil {
		cfg.XGBoostThreshold = *opts.XGBoostThreshold
	}
	if opts.Contamination != nil {
		cfg.Contamination = *opts.Contamination
	}
	if err := cfg.Validate(); err != nil {
		return domain.AnalysisConfig{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return cfg, nil
}

// Analyze scores batch and records it as one execution.
//
// Invalid transactions are reported in Result.Errors and excluded from
// scoring. A non-empty batch without a single valid transaction fails with
// domain.ErrNoScorableTransactions and records nothing. An empty batch is a
// valid, empty execution.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, batch []domain.Transaction, opts Options) (*Result, error) {
	start := time.Now()

	cfg, err := a.Config(opts)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "analysis.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("analysis.method", string(cfg.Method)),
		attribute.Int("analysis.batch_size", len(batch)),
	)

	res, err := a.analyze(ctx, tenantID, batch, cfg, opts.DataSource)
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("execution.id", res.ExecutionID))
	}
	a.metrics.ObserveExecution(outcome, string(cfg.Method), time.Since(start).Seconds())
	return res, err
}

func (a *Analyzer) analyze(ctx context.Context, tenantID string, batch []domain.Transaction, cfg domain.AnalysisConfig, dataSource string) (*Result, error) {
	if dataSource == "" {
		dataSource = audit.SourceAPI
	}

	// One snapshot for the whole batch; reloads never affect it.
	catalog := a.rules.Current()

	txs, valid, txErrors := prepare(batch)
	a.metrics.ObserveFailed(len(txErrors))
	if len(batch) > 0 && len(valid) == 0 {
		slog.Warn("no scorable transactions",
			"tenant_id", tenantID,
			"batch_size", len(batch),
		)
		return nil, domain.ErrNoScorableTransactions
	}

	rec, err := a.recorder.Start(ctx, tenantID, cfg, a.cfg.ModelVersions, dataSource, len(batch), catalog.Version())
	if err != nil {
		return nil, err
	}

	scored := make([]domain.ScoredTransaction, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for slot, i := range valid {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scored[slot] = a.scoreOne(gctx, tenantID, rec.ID, &txs[i], cfg, catalog)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, a.fail(ctx, tenantID, rec, err)
	}

	signals := make([]domain.ModelSignal, len(scored))
	for i := range scored {
		signals[i] = scored[i].Signal
	}
	suspicious := make([]bool, len(scored))
	anomalous := make([]bool, len(scored))
	if cfg.Method.UsesXGBoost() {
		suspicious = scoring.Suspicious(signals, cfg.XGBoostThreshold)
	}
	if cfg.Method.UsesIsolationForest() {
		anomalous = scoring.Anomalous(signals, cfg.Contamination)
	}
	for i := range scored {
		scored[i].Suspicious = suspicious[i]
		scored[i].Anomalous = anomalous[i]
	}

	modelResults := scoring.ModelResults(cfg, signals, suspicious, anomalous)
	var consensus *domain.Consensus
	if cfg.Method == domain.MethodBoth {
		c := scoring.Consensus(suspicious, anomalous)
		consensus = &c
	}

	summary, err := a.recorder.Finalize(ctx, tenantID, rec, audit.Result{
		Scored:       scored,
		Consensus:    consensus,
		ModelResults: &modelResults,
	})
	if err != nil {
		return nil, a.fail(ctx, tenantID, rec, err)
	}

	for i := range scored {
		a.observe(&scored[i])
	}
	a.route(ctx, tenantID, rec, scored)

	return &Result{
		ExecutionID:    rec.ID,
		Timestamp:      rec.Timestamp,
		Config:         cfg,
		ModelVersions:  rec.ModelVersions,
		CatalogVersion: rec.CatalogVer,
		Transactions:   scored,
		Summary:        *summary,
		Consensus:      consensus,
		ModelResults:   modelResults,
		Errors:         txErrors,
	}, nil
}

// prepare copies the batch, fills missing ids and validates each entry.
func prepare(batch []domain.Transaction) ([]domain.Transaction, []int, []domain.TransactionError) {
	txs := make([]domain.Transaction, len(batch))
	copy(txs, batch)

	valid := make([]int, 0, len(txs))
	txErrors := []domain.TransactionError{}
	for i := range txs {
		if txs[i].ID == "" {
			txs[i].ID = "TXN_" + strconv.Itoa(i)
		}
		if err := txs[i].Validate(); err != nil {
			te := domain.TransactionError{Index: i, TransactionID: txs[i].ID, Error: err.Error()}
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				te.Field = verr.Field
			}
			txErrors = append(txErrors, te)
			continue
		}
		valid = append(valid, i)
	}
	return txs, valid, txErrors
}

func (a *Analyzer) scoreOne(ctx context.Context, tenantID, executionID string, tx *domain.Transaction, cfg domain.AnalysisConfig, catalog *rules.Catalog) domain.ScoredTransaction {
	sig, err := a.provider.Signal(ctx, tenantID, tx, cfg.Method)
	if err != nil {
		for _, model := range inference.UnavailableModels(err) {
			a.metrics.ObserveSignalUnavailable(model)
		}
		slog.Warn("model signal unavailable",
			"execution_id", executionID,
			"tenant_id", tenantID,
			"tx_id", tx.ID,
			"error", err,
		)
	}

	return a.processor.Process(scoring.Input{
		Tx:      tx,
		Signal:  inference.Mask(sig, cfg.Method),
		Alerts:  rules.Evaluate(tx, catalog),
		Explain: cfg.IncludeExplanations,
	})
}

// fail closes rec as failed and returns the error for the caller. The
// update runs detached from ctx, which is often the cancelled one.
func (a *Analyzer) fail(ctx context.Context, tenantID string, rec *domain.ExecutionRecord, cause error) error {
	if err := a.recorder.Fail(context.WithoutCancel(ctx), tenantID, rec, cause); err != nil {
		slog.Error("failed to close execution",
			"execution_id", rec.ID,
			"tenant_id", tenantID,
			"error", err,
		)
	}
	return &domain.ExecutionFailedError{ExecutionID: rec.ID, Err: cause}
}

func (a *Analyzer) observe(s *domain.ScoredTransaction) {
	if a.metrics == nil {
		return
	}
	alerts := make(map[string]string, len(s.Alerts))
	for _, al := range s.Alerts {
		alerts[al.RuleID] = string(al.Severity)
	}
	a.metrics.ObserveScored(string(s.RiskCategory), s.FraudRiskScore, alerts)
}

// DecisionEvent is published for HIGH and CRITICAL transactions.
type DecisionEvent struct {
	ExecutionID string                   `json:"executionId"`
	Transaction domain.ScoredTransaction `json:"transaction"`
}

// route publishes decision, alert and execution events. Delivery failures
// are logged; the execution is already recorded.
func (a *Analyzer) route(ctx context.Context, tenantID string, rec *domain.ExecutionRecord, scored []domain.ScoredTransaction) {
	if a.bus == nil {
		return
	}

	for i := range scored {
		s := &scored[i]
		if !s.RiskCategory.IsHighRisk() {
			continue
		}
		payload, err := json.Marshal(DecisionEvent{ExecutionID: rec.ID, Transaction: *s})
		if err != nil {
			slog.Error("failed to encode decision", "tx_id", s.TransactionID, "error", err)
			continue
		}
		a.publish(ctx, tenantID, domain.TopicDecision, payload, s.TransactionID)
		if s.RiskCategory == domain.RiskCritical {
			a.publish(ctx, tenantID, domain.TopicAlert, payload, s.TransactionID)
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to encode execution", "execution_id", rec.ID, "error", err)
		return
	}
	a.publish(ctx, tenantID, domain.TopicExecutionFinalized, payload, "")
}

func (a *Analyzer) publish(ctx context.Context, tenantID, topic string, payload []byte, txID string) {
	if err := a.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"tx_id", txID,
			"error", err,
		)
	}
}
