// Package audit records executions so any batch result can be traced and
// reproduced later.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DataSource values recorded on executions.
const (
	SourceAPI    = "api"
	SourceBus    = "bus"
	SourceCLI    = "cli"
	SourceReplay = "replay"
)

// ErrNotFinalized is returned by Verify for executions still running.
var ErrNotFinalized = errors.New("execution is not finalized")

// Recorder creates and finalizes execution records.
type Recorder struct {
	repo domain.Repository
	now  func() time.Time
}

// NewRecorder creates a recorder persisting to repo.
func NewRecorder(repo domain.Repository) *Recorder {
	return &Recorder{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start mints the execution id and persists a running record. It must be
// called before any transaction of the batch is scored.
func (r *Recorder) Start(ctx context.Context, tenantID string, cfg domain.AnalysisConfig, modelVersions map[string]string, dataSource string, batchSize int, catalogVersion uint64) (*domain.ExecutionRecord, error) {
	versions := make(map[string]string, len(modelVersions))
	for k, v := range modelVersions {
		versions[k] = v
	}

	rec := &domain.ExecutionRecord{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Timestamp:     r.now(),
		Config:        cfg,
		ModelVersions: versions,
		DataSource:    dataSource,
		BatchSize:     batchSize,
		CatalogVer:    catalogVersion,
		Status:        domain.ExecutionRunning,
	}

	if err := r.repo.CreateExecution(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	slog.Debug("execution started",
		"execution_id", rec.ID,
		"tenant_id", tenantID,
		"method", cfg.Method,
		"batch_size", batchSize,
		"catalog_version", catalogVersion,
	)
	return rec, nil
}

// Result is what an analysis pass hands to Finalize.
type Result struct {
	Scored       []domain.ScoredTransaction
	Consensus    *domain.Consensus
	ModelResults *domain.ModelResults
}

// Finalize stores the scored transactions, computes the summary and marks
// the execution finalized. rec is updated in place.
func (r *Recorder) Finalize(ctx context.Context, tenantID string, rec *domain.ExecutionRecord, res Result) (*domain.SummaryStatistics, error) {
	if err := r.repo.SaveScoredTransactions(ctx, tenantID, rec.ID, res.Scored); err != nil {
		return nil, fmt.Errorf("save scored transactions: %w", err)
	}

	summary := scoring.Summarize(rec.BatchSize, res.Scored)
	finalizedAt := r.now()

	rec.Status = domain.ExecutionFinalized
	rec.Summary = &summary
	rec.Consensus = res.Consensus
	rec.ModelResults = res.ModelResults
	rec.FinalizedAt = &finalizedAt

	if err := r.repo.FinalizeExecution(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("finalize execution: %w", err)
	}

	slog.Info("execution finalized",
		"execution_id", rec.ID,
		"tenant_id", tenantID,
		"scored", summary.ScoredTransactions,
		"failed", summary.FailedTransactions,
		"high_risk_pct", summary.HighRiskPercentage,
	)
	return &summary, nil
}

// Fail marks a started execution failed so it never stays running after
// scoring or finalization was abandoned. Partial results are discarded.
// ctx should outlive the cancellation that caused the failure.
func (r *Recorder) Fail(ctx context.Context, tenantID string, rec *domain.ExecutionRecord, cause error) error {
	failedAt := r.now()
	rec.Status = domain.ExecutionFailed
	rec.Summary = nil
	rec.Consensus = nil
	rec.ModelResults = nil
	rec.FinalizedAt = &failedAt

	if err := r.repo.FinalizeExecution(ctx, tenantID, rec); err != nil {
		return fmt.Errorf("mark execution failed: %w", err)
	}

	slog.Warn("execution failed",
		"execution_id", rec.ID,
		"tenant_id", tenantID,
		"error", cause,
	)
	return nil
}

// Mismatch is one transaction whose stored result differs from a re-score.
type Mismatch struct {
	TransactionID      string              `json:"transactionId"`
	StoredScore        float64             `json:"storedScore"`
	RecomputedScore    float64             `json:"recomputedScore"`
	StoredCategory     domain.RiskCategory `json:"storedCategory"`
	RecomputedCategory domain.RiskCategory `json:"recomputedCategory"`
}

// Verification is the outcome of re-deriving an execution from its inputs.
type Verification struct {
	ExecutionID    string     `json:"executionId"`
	Checked        int        `json:"checked"`
	Mismatches     []Mismatch `json:"mismatches"`
	SummaryMatches bool       `json:"summaryMatches"`
	Reproducible   bool       `json:"reproducible"`
}

// Verify re-fuses and re-classifies every stored transaction with the
// recorded configuration and compares the recomputed summary with the
// stored one.
func (r *Recorder) Verify(ctx context.Context, tenantID, executionID string) (*Verification, error) {
	rec, err := r.repo.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ExecutionFinalized || rec.Summary == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, executionID)
	}

	stored, err := r.repo.ListScoredTransactions(ctx, tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("list scored transactions: %w", err)
	}

	proc := &scoring.Processor{Fuser: &scoring.Fuser{IsoNormConstant: rec.Config.IsoNormConstant}}
	v := &Verification{
		ExecutionID: executionID,
		Checked:     len(stored),
		Mismatches:  []Mismatch{},
	}
	for _, s := range stored {
		score, category := proc.Rescore(s)
		if score != s.FraudRiskScore || category != s.RiskCategory {
			v.Mismatches = append(v.Mismatches, Mismatch{
				TransactionID:      s.TransactionID,
				StoredScore:        s.FraudRiskScore,
				RecomputedScore:    score,
				StoredCategory:     s.RiskCategory,
				RecomputedCategory: category,
			})
		}
	}

	recomputed := scoring.Summarize(rec.BatchSize, stored)
	v.SummaryMatches = reflect.DeepEqual(recomputed, *rec.Summary)
	v.Reproducible = v.SummaryMatches && len(v.Mismatches) == 0

	if !v.Reproducible {
		slog.Warn("execution not reproducible",
			"execution_id", executionID,
			"tenant_id", tenantID,
			"mismatches", len(v.Mismatches),
			"summary_matches", v.SummaryMatches,
		)
	}
	return v, nil
}
