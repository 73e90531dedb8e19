package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// ErrRunningExists is returned by StartSyncLog when a running entry already
// holds the (tenant, kind) slot.
var ErrRunningExists = errors.New("a running sync log entry already exists")

var ErrNotFound = errors.New("not found")

type DBConfig struct {
	Host string
	Port string
	User string
	Pass string
	Name string
}

type PostgresRepo struct {
	DB *sql.DB
}

func NewPostgresRepoFromConfig(cfg *DBConfig) (*PostgresRepo, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.Name)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &PostgresRepo{DB: db}, nil
}

func (r *PostgresRepo) RunMigrations(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
		`CREATE TABLE IF NOT EXISTS admins (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			username VARCHAR(100) UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			directory_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			secret_ref TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true,
			last_validated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS tenant_secrets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT UNIQUE NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			client_secret TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			records_processed INT NOT NULL DEFAULT 0,
			warning_count INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_logs_one_running
			ON sync_logs (tenant_id, kind) WHERE status = 'running';`,
		`CREATE TABLE IF NOT EXISTS resources (
			resource_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			resource_group TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '{}',
			properties JSONB,
			last_synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			tenant_id TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			day DATE NOT NULL,
			meter_category TEXT NOT NULL DEFAULT '',
			meter_subcategory TEXT NOT NULL DEFAULT '',
			meter_name TEXT NOT NULL DEFAULT '',
			cost DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			usage_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, resource_id, day, meter_category, meter_subcategory, meter_name)
		);`,
		`CREATE TABLE IF NOT EXISTS metric_samples (
			resource_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			aggregation TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (resource_id, metric_name, ts, aggregation)
		);`,
		`CREATE TABLE IF NOT EXISTS sql_performance_stats (
			resource_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			dtu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			storage_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			deadlock_count INT NOT NULL DEFAULT 0,
			blocked_process_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (resource_id, ts)
		);`,
		`CREATE TABLE IF NOT EXISTS wait_stats (
			resource_id TEXT NOT NULL,
			wait_type TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			wait_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			wait_count BIGINT NOT NULL DEFAULT 0,
			avg_wait_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (resource_id, wait_type, captured_at)
		);`,
		`CREATE TABLE IF NOT EXISTS replication_links (
			resource_id TEXT NOT NULL,
			partner_server TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			lag_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_replicated_at TIMESTAMPTZ,
			PRIMARY KEY (resource_id, partner_server, captured_at)
		);`,
		`CREATE TABLE IF NOT EXISTS derived_scores (
			resource_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			score_type TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			factors JSONB NOT NULL DEFAULT '{}',
			computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (resource_id, score_type)
		);`,
		`CREATE TABLE IF NOT EXISTS cost_anomalies (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			date DATE NOT NULL,
			actual_cost DOUBLE PRECISION NOT NULL,
			expected_cost DOUBLE PRECISION NOT NULL,
			deviation_percent DOUBLE PRECISION NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT false,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			acknowledged_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, resource_id, date)
		);`,
		`CREATE TABLE IF NOT EXISTS idle_resource_flags (
			id TEXT PRIMARY KEY,
			resource_id TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			idle_days INT NOT NULL DEFAULT 0,
			monthly_cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			ignored_reason TEXT NOT NULL DEFAULT '',
			first_detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, q := range queries {
		if _, err := r.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// ---- admins ----

func (r *PostgresRepo) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM admins WHERE username = $1 LIMIT 1`,
		username)
	var a model.Admin
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepo) UpsertAdmin(ctx context.Context, username, passwordHash string) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO admins (username, password_hash) VALUES ($1,$2)
		ON CONFLICT (username) DO UPDATE SET password_hash = $2
	`, username, passwordHash)
	return err
}

// ---- tenants & credential store ----

func (r *PostgresRepo) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, directory_id, client_id, subscription_id, secret_ref,
		       enabled, last_validated_at, created_at, updated_at
		FROM tenants ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		var validated sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.DirectoryID, &t.ClientID, &t.SubscriptionID,
			&t.SecretRef, &t.Enabled, &validated, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if validated.Valid {
			v := validated.Time
			t.LastValidatedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, name, directory_id, client_id, subscription_id, secret_ref,
		       enabled, last_validated_at, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id)
	var t model.Tenant
	var validated sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &t.DirectoryID, &t.ClientID, &t.SubscriptionID,
		&t.SecretRef, &t.Enabled, &validated, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if validated.Valid {
		v := validated.Time
		t.LastValidatedAt = &v
	}
	return &t, nil
}

func (r *PostgresRepo) CreateTenant(ctx context.Context, cfg model.TenantConfig) (*model.Tenant, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id := uuid.NewString()
	secretRef := uuid.NewString()
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, directory_id, client_id, subscription_id, secret_ref, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, cfg.Name, cfg.DirectoryID, cfg.ClientID, cfg.SubscriptionID, secretRef, enabled)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_secrets (id, tenant_id, client_secret) VALUES ($1,$2,$3)
	`, secretRef, id, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetTenant(ctx, id)
}

func (r *PostgresRepo) UpdateTenant(ctx context.Context, id string, cfg model.TenantConfig) (*model.Tenant, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tenants SET
			name = $2,
			directory_id = $3,
			client_id = $4,
			subscription_id = $5,
			enabled = COALESCE($6, enabled),
			updated_at = now()
		WHERE id = $1
	`, id, cfg.Name, cfg.DirectoryID, cfg.ClientID, cfg.SubscriptionID, cfg.Enabled)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if cfg.ClientSecret != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE tenant_secrets SET client_secret = $2, updated_at = now() WHERE tenant_id = $1
		`, id, cfg.ClientSecret)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetTenant(ctx, id)
}

// GetTenantSecret is the credential store read path. Only the token broker
// calls it; the secret never crosses the API boundary.
func (r *PostgresRepo) GetTenantSecret(ctx context.Context, tenantID string) (string, error) {
	var secret string
	err := r.DB.QueryRowContext(ctx,
		`SELECT client_secret FROM tenant_secrets WHERE tenant_id = $1`, tenantID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return secret, err
}

func (r *PostgresRepo) SetTenantValidated(ctx context.Context, tenantID string, at *time.Time) error {
	var v sql.NullTime
	if at != nil {
		v = sql.NullTime{Time: *at, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE tenants SET last_validated_at = $2, updated_at = now() WHERE id = $1`, tenantID, v)
	return err
}

// ---- sync log ----

// StartSyncLog claims the (tenant, kind) running slot with a conditional
// insert. The partial unique index backs the same guarantee at the storage
// level, so two orchestrators racing here still cannot both win.
func (r *PostgresRepo) StartSyncLog(ctx context.Context, tenantID string, kind model.SyncKind) (*model.SyncLogEntry, error) {
	id := uuid.NewString()
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO sync_logs (id, tenant_id, kind, status, started_at)
		SELECT $1, $2, $3, 'running', now()
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_logs WHERE tenant_id = $2 AND kind = $3 AND status = 'running'
		)
	`, id, tenantID, string(kind))
	if err != nil {
		// A concurrent starter can slip past the NOT EXISTS check and hit
		// the partial unique index instead.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrRunningExists
		}
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRunningExists
	}
	row := r.DB.QueryRowContext(ctx,
		`SELECT started_at FROM sync_logs WHERE id = $1`, id)
	entry := &model.SyncLogEntry{ID: id, TenantID: tenantID, Kind: kind, Status: model.SyncStatusRunning}
	if err := row.Scan(&entry.StartedAt); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepo) FinishSyncLog(ctx context.Context, id string, status model.SyncStatus, records, warnings int, errMsg string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sync_logs SET
			status = $2,
			records_processed = $3,
			warning_count = $4,
			error_message = $5,
			completed_at = now()
		WHERE id = $1
	`, id, string(status), records, warnings, errMsg)
	return err
}

func (r *PostgresRepo) HasRunningSync(ctx context.Context, tenantID string, kind model.SyncKind) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_logs WHERE tenant_id = $1 AND kind = $2 AND status = 'running'
		)
	`, tenantID, string(kind)).Scan(&exists)
	return exists, err
}

func (r *PostgresRepo) GetSyncLogs(ctx context.Context, tenantID string, kind model.SyncKind, limit int) ([]model.SyncLogEntry, error) {
	q := `
		SELECT id, tenant_id, kind, started_at, completed_at, status,
		       records_processed, warning_count, error_message
		FROM sync_logs WHERE 1=1
	`
	args := []interface{}{}
	idx := 1
	if tenantID != "" {
		q += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, tenantID)
		idx++
	}
	if kind != "" {
		q += fmt.Sprintf(" AND kind = $%d", idx)
		args = append(args, string(kind))
		idx++
	}
	q += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncLogEntry
	for rows.Next() {
		var e model.SyncLogEntry
		var completed sql.NullTime
		var kindStr, statusStr string
		if err := rows.Scan(&e.ID, &e.TenantID, &kindStr, &e.StartedAt, &completed,
			&statusStr, &e.RecordsProcessed, &e.WarningCount, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Kind = model.SyncKind(kindStr)
		e.Status = model.SyncStatus(statusStr)
		if completed.Valid {
			v := completed.Time
			e.CompletedAt = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
