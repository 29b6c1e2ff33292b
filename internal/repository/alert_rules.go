package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAlertRule upserts an externally managed alert rule.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, tenantID string, rule *domain.AlertRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	predicate, err := json.Marshal(rule.Predicate)
	if err != nil {
		return fmt.Errorf("marshal predicate: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO alert_rules (
			id, tenant_id, rule_type, predicate, weight, severity, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			rule_type = excluded.rule_type,
			predicate = excluded.predicate,
			weight = excluded.weight,
			severity = excluded.severity,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.RuleType, string(predicate), rule.Weight,
		string(rule.Severity), rule.Description, now, now,
	)
	return err
}

// ListAlertRules returns a tenant's external rules in creation order.
func (r *SQLRepository) ListAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, rule_type, predicate, weight, severity, description
		FROM alert_rules
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var predicate, severity string
		var description *string

		if err := rows.Scan(
			&rule.ID, &rule.RuleType, &predicate, &rule.Weight, &severity, &description,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(predicate), &rule.Predicate); err != nil {
			return nil, fmt.Errorf("failed to parse predicate for %s: %w", rule.ID, err)
		}
		rule.Severity = domain.Severity(severity)
		if description != nil {
			rule.Description = *description
		}
		rule.Provenance = domain.ProvenanceExternal
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}
