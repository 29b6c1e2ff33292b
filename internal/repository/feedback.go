package repository

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFeedback appends a feedback entry. Entries are never updated.
func (r *SQLRepository) SaveFeedback(ctx context.Context, tenantID string, fb *domain.Feedback) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if fb == nil || fb.ID == "" || fb.ExecutionID == "" || fb.TransactionID == "" {
		return fmt.Errorf("%w: feedback id, execution id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feedback (
			id, tenant_id, execution_id, tx_id, reviewer, decision, notes, reviewed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, tenantID, fb.ExecutionID, fb.TransactionID,
		fb.Reviewer, string(fb.Decision), fb.Notes, fb.ReviewedAt,
	)
	return err
}

// ListFeedback returns the feedback of an execution in review order,
// optionally narrowed to one transaction. An empty transactionID matches all.
func (r *SQLRepository) ListFeedback(ctx context.Context, tenantID string, executionID string, transactionID string) ([]domain.Feedback, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, execution_id, tx_id, reviewer, decision, notes, reviewed_at
		FROM feedback
		WHERE tenant_id = ? AND execution_id = ?
	`
	args := []any{tenantID, executionID}
	if transactionID != "" {
		query += ` AND tx_id = ?`
		args = append(args, transactionID)
	}
	query += ` ORDER BY reviewed_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.Feedback{}
	for rows.Next() {
		var fb domain.Feedback
		var decision string
		var notes *string

		if err := rows.Scan(
			&fb.ID, &fb.TenantID, &fb.ExecutionID, &fb.TransactionID,
			&fb.Reviewer, &decision, &notes, &fb.ReviewedAt,
		); err != nil {
			return nil, err
		}

		fb.Decision = domain.Decision(decision)
		if notes != nil {
			fb.Notes = *notes
		}
		fb.ReviewedAt = fb.ReviewedAt.UTC()
		entries = append(entries, fb)
	}

	return entries, rows.Err()
}
