package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// Derived analytics own these tables exclusively. Scores are overwritten per
// run; anomalies are insert-once per (tenant, resource, date); idle flags are
// refreshed in place.

func (r *PostgresRepo) UpsertDerivedScore(ctx context.Context, s model.DerivedScore) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO derived_scores (resource_id, tenant_id, score_type, score, factors, computed_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (resource_id, score_type) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			score = EXCLUDED.score,
			factors = EXCLUDED.factors,
			computed_at = now()
	`, s.ResourceID, s.TenantID, string(s.ScoreType), s.Score, s.Factors)
	return err
}

func (r *PostgresRepo) ListDerivedScores(ctx context.Context, tenantID string, scoreType model.ScoreType) ([]model.DerivedScore, error) {
	q := `
		SELECT resource_id, tenant_id, score_type, score, factors, computed_at
		FROM derived_scores WHERE score_type = $1
	`
	args := []interface{}{string(scoreType)}
	if tenantID != "" {
		q += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	q += ` ORDER BY score ASC`

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DerivedScore
	for rows.Next() {
		var s model.DerivedScore
		var st string
		if err := rows.Scan(&s.ResourceID, &s.TenantID, &st, &s.Score, &s.Factors, &s.ComputedAt); err != nil {
			return nil, err
		}
		s.ScoreType = model.ScoreType(st)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertCostAnomaly is insert-once: re-running detection over an already
// scored (tenant, resource, date) inserts nothing and reports false.
func (r *PostgresRepo) InsertCostAnomaly(ctx context.Context, a model.CostAnomaly) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO cost_anomalies (id, tenant_id, resource_id, date, actual_cost, expected_cost, deviation_percent, type, severity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, resource_id, date) DO NOTHING
	`, uuid.NewString(), a.TenantID, a.ResourceID, a.Date, a.ActualCost, a.ExpectedCost,
		a.DeviationPercent, string(a.Type), string(a.Severity))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) AcknowledgeAnomaly(ctx context.Context, id, who string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE cost_anomalies SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		WHERE id = $1 AND acknowledged = false
	`, id, who)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListAnomalies(ctx context.Context, tenantID string, unacknowledgedOnly bool, limit int) ([]model.CostAnomaly, error) {
	q := `
		SELECT id, tenant_id, resource_id, date, actual_cost, expected_cost, deviation_percent,
		       type, severity, acknowledged, acknowledged_by, acknowledged_at, created_at
		FROM cost_anomalies WHERE 1=1
	`
	args := []interface{}{}
	idx := 1
	if tenantID != "" {
		q += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, tenantID)
		idx++
	}
	if unacknowledgedOnly {
		q += " AND acknowledged = false"
	}
	q += fmt.Sprintf(" ORDER BY date DESC, deviation_percent DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CostAnomaly
	for rows.Next() {
		var a model.CostAnomaly
		var typ, sev string
		var ackAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ResourceID, &a.Date, &a.ActualCost,
			&a.ExpectedCost, &a.DeviationPercent, &typ, &sev, &a.Acknowledged,
			&a.AcknowledgedBy, &ackAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = model.AnomalyType(typ)
		a.Severity = model.AnomalySeverity(sev)
		if ackAt.Valid {
			v := ackAt.Time
			a.AcknowledgedAt = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetIdleFlagByResource(ctx context.Context, resourceID string) (*model.IdleResourceFlag, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, resource_id, tenant_id, reason, idle_days, monthly_cost_estimate,
		       status, ignored_reason, first_detected_at, updated_at
		FROM idle_resource_flags WHERE resource_id = $1
	`, resourceID)
	var f model.IdleResourceFlag
	var status string
	err := row.Scan(&f.ID, &f.ResourceID, &f.TenantID, &f.Reason, &f.IdleDays,
		&f.MonthlyCostEstimate, &status, &f.IgnoredReason, &f.FirstDetectedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Status = model.IdleFlagStatus(status)
	return &f, nil
}

func (r *PostgresRepo) InsertIdleFlag(ctx context.Context, f model.IdleResourceFlag) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO idle_resource_flags (id, resource_id, tenant_id, reason, idle_days, monthly_cost_estimate, status)
		VALUES ($1,$2,$3,$4,$5,$6,'open')
	`, uuid.NewString(), f.ResourceID, f.TenantID, f.Reason, f.IdleDays, f.MonthlyCostEstimate)
	return err
}

// RefreshIdleFlag updates the detector-owned fields without touching status.
func (r *PostgresRepo) RefreshIdleFlag(ctx context.Context, id string, idleDays int, monthlyCost float64, reason string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE idle_resource_flags SET
			idle_days = $2,
			monthly_cost_estimate = $3,
			reason = $4,
			updated_at = now()
		WHERE id = $1
	`, id, idleDays, monthlyCost, reason)
	return err
}

func (r *PostgresRepo) SetIdleFlagStatus(ctx context.Context, id string, status model.IdleFlagStatus, reason string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE idle_resource_flags SET
			status = $2,
			ignored_reason = $3,
			updated_at = now()
		WHERE id = $1
	`, id, string(status), reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListIdleFlags(ctx context.Context, tenantID string, status model.IdleFlagStatus) ([]model.IdleResourceFlag, error) {
	q := `
		SELECT id, resource_id, tenant_id, reason, idle_days, monthly_cost_estimate,
		       status, ignored_reason, first_detected_at, updated_at
		FROM idle_resource_flags WHERE 1=1
	`
	args := []interface{}{}
	idx := 1
	if tenantID != "" {
		q += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, tenantID)
		idx++
	}
	if status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(status))
	}
	q += ` ORDER BY monthly_cost_estimate DESC`

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IdleResourceFlag
	for rows.Next() {
		var f model.IdleResourceFlag
		var st string
		if err := rows.Scan(&f.ID, &f.ResourceID, &f.TenantID, &f.Reason, &f.IdleDays,
			&f.MonthlyCostEstimate, &st, &f.IgnoredReason, &f.FirstDetectedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Status = model.IdleFlagStatus(st)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecentAnomalyCount feeds the optimization scorer's cost-stability signal.
func (r *PostgresRepo) RecentAnomalyCount(ctx context.Context, tenantID, resourceID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cost_anomalies
		WHERE tenant_id = $1 AND resource_id = $2 AND date >= $3
	`, tenantID, resourceID, since).Scan(&n)
	return n, err
}
