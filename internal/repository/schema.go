package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaExecutions = `
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    config TEXT NOT NULL,
    model_versions TEXT NOT NULL,
    data_source TEXT NOT NULL,
    batch_size INTEGER NOT NULL,
    catalog_version INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    summary TEXT,
    consensus TEXT,
    model_results TEXT,
    finalized_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_executions_timestamp ON executions(tenant_id, timestamp);
`

// schemaScoredTransactions stores one row per transaction of an execution.
// position keeps the batch order, so duplicate transaction ids in one batch
// do not collide.
const schemaScoredTransactions = `
CREATE TABLE IF NOT EXISTS scored_transactions (
    execution_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    category TEXT NOT NULL,
    alerts TEXT NOT NULL,
    xgboost_probability DOUBLE PRECISION,
    isolation_forest_score DOUBLE PRECISION,
    suspicious INTEGER NOT NULL DEFAULT 0,
    anomalous INTEGER NOT NULL DEFAULT 0,
    context TEXT,
    explanation TEXT,
    PRIMARY KEY (execution_id, position)
);

CREATE INDEX IF NOT EXISTS idx_scored_tenant ON scored_transactions(tenant_id, execution_id);
CREATE INDEX IF NOT EXISTS idx_scored_tx ON scored_transactions(tenant_id, execution_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_scored_category ON scored_transactions(tenant_id, category);
`

// schemaFeedback is insert-only. Re-reviews add rows.
const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    execution_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    reviewer TEXT NOT NULL,
    decision TEXT NOT NULL,
    notes TEXT,
    reviewed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_execution ON feedback(tenant_id, execution_id);
CREATE INDEX IF NOT EXISTS idx_feedback_tx ON feedback(tenant_id, execution_id, tx_id, reviewed_at);
CREATE INDEX IF NOT EXISTS idx_feedback_decision ON feedback(tenant_id, decision);
`

const schemaAlertRules = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    predicate TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL,
    description TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_rules_tenant ON alert_rules(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaExecutions,
		schemaScoredTransactions,
		schemaFeedback,
		schemaAlertRules,
	}
}
