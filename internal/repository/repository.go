// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
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

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// boolInt stores booleans as INTEGER for SQLite and PostgreSQL alike.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveTransaction stores a scored transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, rec *domain.TransactionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	explanation, err := json.Marshal(rec.Explanation)
	if err != nil {
		return fmt.Errorf("encode explanation: %w", err)
	}
	violations, err := json.Marshal(rec.RuleViolations)
	if err != nil {
		return fmt.Errorf("encode rule violations: %w", err)
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}

	var txTime sql.NullTime
	if rec.Time != nil {
		txTime = sql.NullTime{Time: rec.Time.UTC(), Valid: true}
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, type, name_orig, name_dest, amount,
			oldbalance_org, newbalance_orig, oldbalance_dest, newbalance_dest,
			transaction_time, risk_score, risk_level, verdict,
			anomaly_detected, is_flagged, explanation, rule_violations,
			reasons, degraded, model_version, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, string(rec.Type), rec.OriginAccount, rec.DestAccount, rec.Amount,
		rec.OldBalanceOrig, rec.NewBalanceOrig, rec.OldBalanceDest, rec.NewBalanceDest,
		txTime, rec.RiskScore, string(rec.RiskLevel), string(rec.Verdict),
		boolInt(rec.AnomalyDetected), boolInt(rec.IsFlagged), string(explanation), string(violations),
		string(reasons), boolInt(rec.Degraded), rec.ModelVersion, rec.Timestamp.UTC(),
	)
	return err
}

const transactionColumns = `
	id, tenant_id, type, name_orig, name_dest, amount,
	oldbalance_org, newbalance_orig, oldbalance_dest, newbalance_dest,
	transaction_time, risk_score, risk_level, verdict,
	anomaly_detected, is_flagged, explanation, rule_violations,
	reasons, degraded, model_version, timestamp
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.TransactionRecord, error) {
	var rec domain.TransactionRecord
	var txType, riskLevel, verdict string
	var txTime sql.NullTime
	var anomaly, flagged, degraded int
	var explanation, violations, reasons sql.NullString

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &txType, &rec.OriginAccount, &rec.DestAccount, &rec.Amount,
		&rec.OldBalanceOrig, &rec.NewBalanceOrig, &rec.OldBalanceDest, &rec.NewBalanceDest,
		&txTime, &rec.RiskScore, &riskLevel, &verdict,
		&anomaly, &flagged, &explanation, &violations,
		&reasons, &degraded, &rec.ModelVersion, &rec.Timestamp,
	); err != nil {
		return nil, err
	}

	rec.Type = domain.TransactionType(txType)
	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.Verdict = domain.Verdict(verdict)
	rec.AnomalyDetected = anomaly == 1
	rec.IsFlagged = flagged == 1
	rec.Degraded = degraded == 1
	if txTime.Valid {
		t := txTime.Time.UTC()
		rec.Time = &t
	}
	rec.Timestamp = rec.Timestamp.UTC()

	if explanation.Valid && explanation.String != "" {
		if err := json.Unmarshal([]byte(explanation.String), &rec.Explanation); err != nil {
			return nil, fmt.Errorf("decode explanation for %s: %w", rec.ID, err)
		}
	}
	if violations.Valid && violations.String != "" {
		if err := json.Unmarshal([]byte(violations.String), &rec.RuleViolations); err != nil {
			return nil, fmt.Errorf("decode rule violations for %s: %w", rec.ID, err)
		}
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &rec.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// GetTransaction retrieves a scored transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	rec, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTransactions returns a page of scored transactions, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, skip, limit int) ([]*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if skip < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: skip must be >= 0 and limit > 0", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*domain.TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountTransactionsByAccount counts transactions originating from account
// at or after since.
func (r *SQLRepository) CountTransactionsByAccount(ctx context.Context, tenantID string, account string, since time.Time) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ?
		  AND name_orig = ?
		  AND timestamp >= ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, account, since.UTC()).Scan(&count)
	return count, err
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("encode bands: %w", err)
	}
	enabled := boolInt(rule.Enabled)

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
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
