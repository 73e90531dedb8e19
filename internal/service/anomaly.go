package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// AnomalyConfig tunes the cost baseline and classification thresholds.
// Deviations at or below InfoPercent are noise and not recorded; above it
// the severity escalates through info, warning, and critical.
type AnomalyConfig struct {
	InfoPercent     float64
	WarningPercent  float64
	CriticalPercent float64
	BaselineDays    int
	MinHistoryDays  int
}

// AnomalyDetector compares each series' newest day against a trailing-mean
// baseline and records deviations. Detection is idempotent: the anomaly table
// is insert-once per (tenant, resource, date).
type AnomalyDetector struct {
	repo   AnalyticsRepo
	cfg    AnomalyConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewAnomalyDetector(repo AnalyticsRepo, cfg AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetector{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// Run scans the tenant-level aggregate series plus every costed resource's
// series.
func (d *AnomalyDetector) Run(ctx context.Context, tenantID string) error {
	to := d.now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -(d.cfg.BaselineDays + 1))

	if err := d.scanSeries(ctx, tenantID, "", from, to); err != nil {
		return err
	}
	resourceIDs, err := d.repo.CostedResourceIDs(ctx, tenantID, from, to)
	if err != nil {
		return err
	}
	for _, id := range resourceIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.scanSeries(ctx, tenantID, id, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (d *AnomalyDetector) scanSeries(ctx context.Context, tenantID, resourceID string, from, to time.Time) error {
	series, err := d.repo.DailyCosts(ctx, tenantID, resourceID, from, to)
	if err != nil {
		return err
	}
	anomaly := DetectAnomaly(series, d.cfg)
	if anomaly == nil {
		return nil
	}
	anomaly.TenantID = tenantID
	anomaly.ResourceID = resourceID

	created, err := d.repo.InsertCostAnomaly(ctx, *anomaly)
	if err != nil {
		return err
	}
	if created {
		d.logger.Info("cost anomaly detected",
			slog.String("tenant_id", tenantID),
			slog.String("resource_id", resourceID),
			slog.String("type", string(anomaly.Type)),
			slog.String("severity", string(anomaly.Severity)),
			slog.Float64("deviation_percent", anomaly.DeviationPercent))
	}
	return nil
}

// DetectAnomaly evaluates the newest day of an ascending daily series against
// the trailing mean of the prior days. Returns nil when the series is too
// short, the baseline is zero, or the deviation stays inside the info
// threshold.
func DetectAnomaly(series []model.DailyCost, cfg AnomalyConfig) *model.CostAnomaly {
	if len(series) < cfg.MinHistoryDays+1 {
		return nil
	}
	latest := series[len(series)-1]
	history := series[:len(series)-1]
	if len(history) > cfg.BaselineDays {
		history = history[len(history)-cfg.BaselineDays:]
	}

	var sum float64
	for _, d := range history {
		sum += d.Cost
	}
	expected := sum / float64(len(history))
	if expected <= 0 {
		return nil
	}

	deviation := (latest.Cost - expected) / expected * 100
	abs := deviation
	if abs < 0 {
		abs = -abs
	}
	if abs <= cfg.InfoPercent {
		return nil
	}

	typ := model.AnomalySpike
	if deviation < 0 {
		typ = model.AnomalyDrop
	}
	severity := model.SeverityInfo
	switch {
	case abs > cfg.CriticalPercent:
		severity = model.SeverityCritical
	case abs > cfg.WarningPercent:
		severity = model.SeverityWarning
	}

	return &model.CostAnomaly{
		Date:             latest.Day,
		ActualCost:       latest.Cost,
		ExpectedCost:     expected,
		DeviationPercent: deviation,
		Type:             typ,
		Severity:         severity,
	}
}
