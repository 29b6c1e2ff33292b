// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// connectTimeout bounds the initial ping of a new database.
const connectTimeout = 10 * time.Second

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != memoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateExecution stores a new execution record with tenant isolation.
func (r *SQLRepository) CreateExecution(ctx context.Context, tenantID string, rec *domain.ExecutionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalidInput)
	}

	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	versions, err := json.Marshal(rec.ModelVersions)
	if err != nil {
		return fmt.Errorf("marshal model versions: %w", err)
	}

	query := `
		INSERT INTO executions (
			id, tenant_id, timestamp, config, model_versions, data_source,
			batch_size, catalog_version, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.Timestamp, string(config), string(versions),
		rec.DataSource, rec.BatchSize, int64(rec.CatalogVer), rec.Status,
	)
	return err
}

// FinalizeExecution attaches the summary, consensus and model results to
// an existing execution and stores its terminal status.
func (r *SQLRepository) FinalizeExecution(ctx context.Context, tenantID string, rec *domain.ExecutionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalidInput)
	}

	summary, err := marshalOptional(rec.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	consensus, err := marshalOptional(rec.Consensus)
	if err != nil {
		return fmt.Errorf("marshal consensus: %w", err)
	}
	modelResults, err := marshalOptional(rec.ModelResults)
	if err != nil {
		return fmt.Errorf("marshal model results: %w", err)
	}

	finalizedAt := time.Now().UTC()
	if rec.FinalizedAt != nil {
		finalizedAt = *rec.FinalizedAt
	}

	query := `
		UPDATE executions
		SET status = ?, summary = ?, consensus = ?, model_results = ?, finalized_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.Status, summary, consensus, modelResults, finalizedAt,
		tenantID, rec.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution retrieves an execution by ID with tenant isolation.
func (r *SQLRepository) GetExecution(ctx context.Context, tenantID string, executionID string) (*domain.ExecutionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, timestamp, config, model_versions, data_source,
			   batch_size, catalog_version, status, summary, consensus,
			   model_results, finalized_at
		FROM executions
		WHERE tenant_id = ? AND id = ?
	`

	var (
		rec                              domain.ExecutionRecord
		config, versions                 string
		catalogVer                       int64
		summary, consensus, modelResults sql.NullString
		finalizedAt                      sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, executionID).Scan(
		&rec.ID, &rec.TenantID, &rec.Timestamp, &config, &versions, &rec.DataSource,
		&rec.BatchSize, &catalogVer, &rec.Status, &summary, &consensus,
		&modelResults, &finalizedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.CatalogVer = uint64(catalogVer)
	rec.Timestamp = rec.Timestamp.UTC()
	if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
		return nil, fmt.Errorf("failed to parse execution config: %w", err)
	}
	if err := json.Unmarshal([]byte(versions), &rec.ModelVersions); err != nil {
		return nil, fmt.Errorf("failed to parse model versions: %w", err)
	}
	if summary.Valid {
		rec.Summary = &domain.SummaryStatistics{}
		if err := json.Unmarshal([]byte(summary.String), rec.Summary); err != nil {
			return nil, fmt.Errorf("failed to parse summary: %w", err)
		}
	}
	if consensus.Valid {
		rec.Consensus = &domain.Consensus{}
		if err := json.Unmarshal([]byte(consensus.String), rec.Consensus); err != nil {
			return nil, fmt.Errorf("failed to parse consensus: %w", err)
		}
	}
	if modelResults.Valid {
		rec.ModelResults = &domain.ModelResults{}
		if err := json.Unmarshal([]byte(modelResults.String), rec.ModelResults); err != nil {
			return nil, fmt.Errorf("failed to parse model results: %w", err)
		}
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time.UTC()
		rec.FinalizedAt = &t
	}

	return &rec, nil
}

// SaveScoredTransactions stores the per-transaction results of an
// execution in a single database transaction.
func (r *SQLRepository) SaveScoredTransactions(ctx context.Context, tenantID string, executionID string, scored []domain.ScoredTransaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if executionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalidInput)
	}
	if len(scored) == 0 {
		return nil
	}

	query := `
		INSERT INTO scored_transactions (
			execution_id, position, tenant_id, tx_id, amount, score, category,
			alerts, xgboost_probability, isolation_forest_score,
			suspicious, anomalous, context, explanation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, s := range scored {
		alerts, err := json.Marshal(s.Alerts)
		if err != nil {
			return fmt.Errorf("marshal alerts for %s: %w", s.TransactionID, err)
		}
		txContext, err := marshalOptional(s.Context)
		if err != nil {
			return fmt.Errorf("marshal context for %s: %w", s.TransactionID, err)
		}
		explanation, err := marshalOptional(s.Explanation)
		if err != nil {
			return fmt.Errorf("marshal explanation for %s: %w", s.TransactionID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			executionID, i, tenantID, s.TransactionID, s.Amount, s.FraudRiskScore,
			string(s.RiskCategory), string(alerts),
			nullFloat(s.Signal.XGBoostProbability), nullFloat(s.Signal.IsolationForestScore),
			boolInt(s.Suspicious), boolInt(s.Anomalous), txContext, explanation,
		); err != nil {
			return fmt.Errorf("insert scored transaction %s: %w", s.TransactionID, err)
		}
	}

	return dbTx.Commit()
}

// ListScoredTransactions returns an execution's results in batch order.
func (r *SQLRepository) ListScoredTransactions(ctx context.Context, tenantID string, executionID string) ([]domain.ScoredTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_id, amount, score, category, alerts, xgboost_probability,
			   isolation_forest_score, suspicious, anomalous, context, explanation
		FROM scored_transactions
		WHERE tenant_id = ? AND execution_id = ?
		ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scored := []domain.ScoredTransaction{}
	for rows.Next() {
		var (
			s                    domain.ScoredTransaction
			category, alerts     string
			xgb, iso             sql.NullFloat64
			suspicious, anomaly  int
			txContext, explained sql.NullString
		)

		if err := rows.Scan(
			&s.TransactionID, &s.Amount, &s.FraudRiskScore, &category, &alerts,
			&xgb, &iso, &suspicious, &anomaly, &txContext, &explained,
		); err != nil {
			return nil, err
		}

		s.RiskCategory = domain.RiskCategory(category)
		s.Suspicious = suspicious == 1
		s.Anomalous = anomaly == 1
		s.Signal = domain.ModelSignal{
			XGBoostProbability:   floatPtr(xgb),
			IsolationForestScore: floatPtr(iso),
		}
		if err := json.Unmarshal([]byte(alerts), &s.Alerts); err != nil {
			return nil, fmt.Errorf("failed to parse alerts for %s: %w", s.TransactionID, err)
		}
		if txContext.Valid {
			if err := json.Unmarshal([]byte(txContext.String), &s.Context); err != nil {
				return nil, fmt.Errorf("failed to parse context for %s: %w", s.TransactionID, err)
			}
		}
		if explained.Valid {
			s.Explanation = &domain.ScoreBreakdown{}
			if err := json.Unmarshal([]byte(explained.String), s.Explanation); err != nil {
				return nil, fmt.Errorf("failed to parse explanation for %s: %w", s.TransactionID, err)
			}
		}
		scored = append(scored, s)
	}

	return scored, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// marshalOptional encodes v as JSON, or returns NULL for nil values.
func marshalOptional[T any](v T) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
