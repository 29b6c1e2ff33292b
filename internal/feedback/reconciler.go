// Package feedback reconciles analyst reviews with recorded executions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Reconciler appends and reads feedback keyed by execution id.
// Entries are never updated, so concurrent reviewers cannot race.
type Reconciler struct {
	repo    domain.Repository
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over repo. m may be nil.
func NewReconciler(repo domain.Repository, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		repo:    repo,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and appends one review. The decision is checked before
// anything is read or written.
func (r *Reconciler) Submit(ctx context.Context, tenantID, executionID, txID, reviewer, decision, notes string) (*domain.Feedback, error) {
	d, err := domain.ParseDecision(decision)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(txID) == "" {
		return nil, &domain.ValidationError{TxID: txID, Field: "transactionId", Reason: "is required"}
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, &domain.ValidationError{TxID: txID, Field: "reviewer", Reason: "is required"}
	}
	if err := r.ensureExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}

	fb := &domain.Feedback{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ExecutionID:   executionID,
		TransactionID: txID,
		Reviewer:      reviewer,
		Decision:      d,
		Notes:         notes,
		ReviewedAt:    r.now(),
	}
	if err := r.repo.SaveFeedback(ctx, tenantID, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}

	r.metrics.ObserveFeedback(string(d))
	slog.Info("feedback recorded",
		"execution_id", executionID,
		"tx_id", txID,
		"tenant_id", tenantID,
		"decision", d,
	)
	return fb, nil
}

// Get returns every entry for the execution, optionally only those for
// txID. No entries is an empty list, not an error.
func (r *Reconciler) Get(ctx context.Context, tenantID, executionID, txID string) ([]domain.Feedback, error) {
	if err := r.ensureExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	entries, err := r.repo.ListFeedback(ctx, tenantID, executionID, txID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return entries, nil
}

// AggregateByDecision counts entries per decision. Every decision has a
// key. FalsePositiveRate is a percentage of all entries, 0 when there are
// none.
func (r *Reconciler) AggregateByDecision(ctx context.Context, tenantID, executionID string) (*domain.DecisionSummary, error) {
	entries, err := r.Get(ctx, tenantID, executionID, "")
	if err != nil {
		return nil, err
	}

	sum := &domain.DecisionSummary{
		ExecutionID: executionID,
		Counts:      make(map[domain.Decision]int, 4),
		Total:       len(entries),
	}
	for _, d := range domain.Decisions() {
		sum.Counts[d] = 0
	}
	for _, e := range entries {
		sum.Counts[e.Decision]++
	}
	sum.FalsePositiveRate = scoring.Percent(sum.Counts[domain.DecisionFalsePositive], sum.Total)
	return sum, nil
}

// Latest returns the most recent entry per transaction, in order of first
// review. History stays intact in storage.
func (r *Reconciler) Latest(ctx context.Context, tenantID, executionID string) ([]domain.Feedback, error) {
	entries, err := r.Get(ctx, tenantID, executionID, "")
	if err != nil {
		return nil, err
	}

	// entries arrive ordered by review time
	index := make(map[string]int)
	latest := []domain.Feedback{}
	for _, e := range entries {
		if i, ok := index[e.TransactionID]; ok {
			latest[i] = e
			continue
		}
		index[e.TransactionID] = len(latest)
		latest = append(latest, e)
	}
	return latest, nil
}

// Attach fills the Feedback field of scored transactions with their entries.
func (r *Reconciler) Attach(ctx context.Context, tenantID, executionID string, scored []domain.ScoredTransaction) error {
	entries, err := r.Get(ctx, tenantID, executionID, "")
	if err != nil {
		return err
	}
	byTx := make(map[string][]domain.Feedback)
	for _, e := range entries {
		byTx[e.TransactionID] = append(byTx[e.TransactionID], e)
	}
	for i := range scored {
		scored[i].Feedback = byTx[scored[i].TransactionID]
	}
	return nil
}

func (r *Reconciler) ensureExecution(ctx context.Context, tenantID, executionID string) error {
	if executionID == "" {
		return &domain.UnknownExecutionError{ExecutionID: executionID}
	}
	_, err := r.repo.GetExecution(ctx, tenantID, executionID)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.UnknownExecutionError{ExecutionID: executionID}
	}
	if err != nil {
		return fmt.Errorf("lookup execution: %w", err)
	}
	return nil
}
