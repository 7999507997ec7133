package repository

// Schema definitions for the AegisFlow database.
// Compatible with both SQLite and PostgreSQL.

// schemaTransactions holds one row per scored transaction. explanation and
// rule_violations are JSON arrays.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    name_orig TEXT NOT NULL DEFAULT '',
    name_dest TEXT NOT NULL DEFAULT '',
    amount REAL NOT NULL,
    oldbalance_org REAL NOT NULL,
    newbalance_orig REAL NOT NULL,
    oldbalance_dest REAL NOT NULL,
    newbalance_dest REAL NOT NULL,
    transaction_time TIMESTAMP,
    risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    verdict TEXT NOT NULL,
    anomaly_detected INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    explanation TEXT,
    rule_violations TEXT,
    reasons TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    model_version TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_origin ON transactions(tenant_id, name_orig, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_flagged ON transactions(tenant_id, is_flagged);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRuleConfigs,
	}
}
