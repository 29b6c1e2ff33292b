// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Execution operations
	CreateExecution(ctx context.Context, tenantID string, rec *ExecutionRecord) error
	FinalizeExecution(ctx context.Context, tenantID string, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, tenantID string, executionID string) (*ExecutionRecord, error)

	// Scored transaction summaries, keyed by (execution, transaction)
	SaveScoredTransactions(ctx context.Context, tenantID string, executionID string, scored []ScoredTransaction) error
	ListScoredTransactions(ctx context.Context, tenantID string, executionID string) ([]ScoredTransaction, error)

	// Feedback is insert-only
	SaveFeedback(ctx context.Context, tenantID string, fb *Feedback) error
	ListFeedback(ctx context.Context, tenantID string, executionID string, transactionID string) ([]Feedback, error)

	// Externally sourced alert rules
	SaveAlertRule(ctx context.Context, tenantID string, rule *AlertRule) error
	ListAlertRules(ctx context.Context, tenantID string) ([]AlertRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `env:"KESTREL_DB_DRIVER"`

	// SQLite specific
	SQLitePath string `env:"KESTREL_SQLITE_PATH"`

	// PostgreSQL specific. PostgresURL, when set, replaces the fields below.
	PostgresURL      string `env:"KESTREL_DATABASE_URL"`
	PostgresHost     string `env:"KESTREL_PG_HOST"`
	PostgresPort     int    `env:"KESTREL_PG_PORT"`
	PostgresUser     string `env:"KESTREL_PG_USER"`
	PostgresPassword string `env:"KESTREL_PG_PASSWORD"`
	PostgresDB       string `env:"KESTREL_PG_DB"`
	PostgresSSLMode  string `env:"KESTREL_PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `env:"KESTREL_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"KESTREL_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"KESTREL_DB_CONN_MAX_LIFETIME"`
}
