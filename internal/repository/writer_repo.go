package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// The writers below are the only write paths into their tables. Every upsert
// is keyed on the natural unique tuple, so re-applying an identical batch
// changes nothing.

func (r *PostgresRepo) UpsertResources(ctx context.Context, tenantID string, resources []model.CachedResource) (int, error) {
	count := 0
	for _, res := range resources {
		props := []byte(res.Properties)
		if len(props) == 0 {
			props = []byte("null")
		}
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO resources (resource_id, tenant_id, name, type, resource_group, location, tags, properties, last_synced_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
			ON CONFLICT (resource_id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				resource_group = EXCLUDED.resource_group,
				location = EXCLUDED.location,
				tags = EXCLUDED.tags,
				properties = EXCLUDED.properties,
				last_synced_at = now()
		`, res.ResourceID, tenantID, res.Name, res.Type, res.ResourceGroup, res.Location, res.Tags, props)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PostgresRepo) UpsertCostRecords(ctx context.Context, tenantID string, records []model.CostRecord) (int, error) {
	count := 0
	for _, c := range records {
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO cost_records (tenant_id, resource_id, day, meter_category, meter_subcategory, meter_name, cost, currency, usage_quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (tenant_id, resource_id, day, meter_category, meter_subcategory, meter_name) DO UPDATE SET
				cost = EXCLUDED.cost,
				currency = EXCLUDED.currency,
				usage_quantity = EXCLUDED.usage_quantity
		`, tenantID, c.ResourceID, c.Day, c.MeterCategory, c.MeterSubcategory, c.MeterName,
			c.Cost, c.Currency, c.UsageQuantity)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PostgresRepo) UpsertMetricSamples(ctx context.Context, samples []model.MetricSample) (int, error) {
	count := 0
	for _, m := range samples {
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO metric_samples (resource_id, metric_name, ts, aggregation, value, unit)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (resource_id, metric_name, ts, aggregation) DO UPDATE SET
				value = EXCLUDED.value,
				unit = EXCLUDED.unit
		`, m.ResourceID, m.MetricName, m.Timestamp, m.Aggregation, m.Value, m.Unit)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PostgresRepo) UpsertPerformanceStats(ctx context.Context, stats []model.SqlPerformanceStat) (int, error) {
	count := 0
	for _, s := range stats {
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO sql_performance_stats (resource_id, ts, cpu_percent, dtu_percent, storage_percent, deadlock_count, blocked_process_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (resource_id, ts) DO UPDATE SET
				cpu_percent = EXCLUDED.cpu_percent,
				dtu_percent = EXCLUDED.dtu_percent,
				storage_percent = EXCLUDED.storage_percent,
				deadlock_count = EXCLUDED.deadlock_count,
				blocked_process_count = EXCLUDED.blocked_process_count
		`, s.ResourceID, s.Timestamp, s.CPUPercent, s.DTUPercent, s.StoragePercent,
			s.DeadlockCount, s.BlockedProcessCount)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PostgresRepo) UpsertWaitStats(ctx context.Context, stats []model.WaitStat) (int, error) {
	count := 0
	for _, w := range stats {
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO wait_stats (resource_id, wait_type, captured_at, wait_time_ms, wait_count, avg_wait_ms)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (resource_id, wait_type, captured_at) DO UPDATE SET
				wait_time_ms = EXCLUDED.wait_time_ms,
				wait_count = EXCLUDED.wait_count,
				avg_wait_ms = EXCLUDED.avg_wait_ms
		`, w.ResourceID, w.WaitType, w.CapturedAt, w.WaitTimeMs, w.WaitCount, w.AvgWaitMs)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *PostgresRepo) UpsertReplicationLinks(ctx context.Context, links []model.ReplicationLink) (int, error) {
	count := 0
	for _, l := range links {
		_, err := r.DB.ExecContext(ctx, `
			INSERT INTO replication_links (resource_id, partner_server, captured_at, state, lag_seconds, last_replicated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (resource_id, partner_server, captured_at) DO UPDATE SET
				state = EXCLUDED.state,
				lag_seconds = EXCLUDED.lag_seconds,
				last_replicated_at = EXCLUDED.last_replicated_at
		`, l.ResourceID, l.PartnerServer, l.CapturedAt, l.State, l.LagSeconds, l.LastReplicatedAt)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ---- reads ----

func (r *PostgresRepo) ListResources(ctx context.Context, tenantID, resourceType string) ([]model.CachedResource, error) {
	q := `
		SELECT resource_id, tenant_id, name, type, resource_group, location, tags, properties, last_synced_at
		FROM resources WHERE 1=1
	`
	args := []interface{}{}
	idx := 1
	if tenantID != "" {
		q += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, tenantID)
		idx++
	}
	if resourceType != "" {
		q += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, resourceType)
	}
	q += ` ORDER BY name`

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CachedResource
	for rows.Next() {
		var res model.CachedResource
		var props sql.NullString
		if err := rows.Scan(&res.ResourceID, &res.TenantID, &res.Name, &res.Type,
			&res.ResourceGroup, &res.Location, &res.Tags, &props, &res.LastSyncedAt); err != nil {
			return nil, err
		}
		if props.Valid {
			res.Properties = []byte(props.String)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// DailyCosts returns total cost per day for a tenant (resourceID == "" means
// the tenant-level aggregate across all meters), oldest first.
func (r *PostgresRepo) DailyCosts(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]model.DailyCost, error) {
	q := `
		SELECT day, SUM(cost) FROM cost_records
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
	`
	args := []interface{}{tenantID, from, to}
	if resourceID != "" {
		q += ` AND resource_id = $4`
		args = append(args, resourceID)
	}
	q += ` GROUP BY day ORDER BY day ASC`

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyCost
	for rows.Next() {
		var d model.DailyCost
		if err := rows.Scan(&d.Day, &d.Cost); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CostedResourceIDs returns the distinct non-aggregate resource ids that have
// cost rows for the tenant in the window.
func (r *PostgresRepo) CostedResourceIDs(ctx context.Context, tenantID string, from, to time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT resource_id FROM cost_records
		WHERE tenant_id = $1 AND resource_id <> '' AND day >= $2 AND day <= $3
		ORDER BY resource_id
	`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DailyUtilization averages a utilization metric per day over the window,
// oldest first. Used by the idle detector.
func (r *PostgresRepo) DailyUtilization(ctx context.Context, resourceID, metricName string, since time.Time) ([]model.DailyUtilization, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT date_trunc('day', ts) AS day, AVG(value)
		FROM metric_samples
		WHERE resource_id = $1 AND metric_name = $2 AND aggregation = 'average' AND ts >= $3
		GROUP BY day ORDER BY day ASC
	`, resourceID, metricName, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyUtilization
	for rows.Next() {
		var d model.DailyUtilization
		if err := rows.Scan(&d.Day, &d.Average); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) LatestPerformanceStat(ctx context.Context, resourceID string) (*model.SqlPerformanceStat, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT resource_id, ts, cpu_percent, dtu_percent, storage_percent, deadlock_count, blocked_process_count
		FROM sql_performance_stats WHERE resource_id = $1
		ORDER BY ts DESC LIMIT 1
	`, resourceID)
	var s model.SqlPerformanceStat
	err := row.Scan(&s.ResourceID, &s.Timestamp, &s.CPUPercent, &s.DTUPercent,
		&s.StoragePercent, &s.DeadlockCount, &s.BlockedProcessCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestWaitStats returns the wait stats from the most recent capture window.
func (r *PostgresRepo) LatestWaitStats(ctx context.Context, resourceID string) ([]model.WaitStat, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT resource_id, wait_type, captured_at, wait_time_ms, wait_count, avg_wait_ms
		FROM wait_stats
		WHERE resource_id = $1
		  AND captured_at = (SELECT MAX(captured_at) FROM wait_stats WHERE resource_id = $1)
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WaitStat
	for rows.Next() {
		var w model.WaitStat
		if err := rows.Scan(&w.ResourceID, &w.WaitType, &w.CapturedAt,
			&w.WaitTimeMs, &w.WaitCount, &w.AvgWaitMs); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LatestReplicationLinks returns the newest observation per partner server.
func (r *PostgresRepo) LatestReplicationLinks(ctx context.Context, resourceID string) ([]model.ReplicationLink, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT ON (partner_server)
			resource_id, partner_server, captured_at, state, lag_seconds, last_replicated_at
		FROM replication_links
		WHERE resource_id = $1
		ORDER BY partner_server, captured_at DESC
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReplicationLink
	for rows.Next() {
		var l model.ReplicationLink
		var lastRepl sql.NullTime
		if err := rows.Scan(&l.ResourceID, &l.PartnerServer, &l.CapturedAt,
			&l.State, &l.LagSeconds, &lastRepl); err != nil {
			return nil, err
		}
		if lastRepl.Valid {
			l.LastReplicatedAt = lastRepl.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
