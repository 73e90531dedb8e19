package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// IdleConfig tunes the idle-resource detector.
type IdleConfig struct {
	UtilizationPercent float64
	MinDays            int
	LookbackDays       int
	// MetricName is the utilization metric examined per resource.
	MetricName string
}

// IdleDetector flags resources whose recent utilization stayed below the
// threshold for the minimum sustained duration. Re-running refreshes open
// flags in place; flags an operator set to ignored stay ignored.
type IdleDetector struct {
	repo   AnalyticsRepo
	cfg    IdleConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewIdleDetector(repo AnalyticsRepo, cfg IdleConfig, logger *slog.Logger) *IdleDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricName == "" {
		cfg.MetricName = "cpu_percent"
	}
	return &IdleDetector{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

func (d *IdleDetector) Run(ctx context.Context, tenantID string) error {
	resources, err := d.repo.ListResources(ctx, tenantID, "")
	if err != nil {
		return err
	}
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.evaluate(ctx, tenantID, res.ResourceID); err != nil {
			return err
		}
	}
	return nil
}

func (d *IdleDetector) evaluate(ctx context.Context, tenantID, resourceID string) error {
	since := d.now().UTC().AddDate(0, 0, -d.cfg.LookbackDays)
	series, err := d.repo.DailyUtilization(ctx, resourceID, d.cfg.MetricName, since)
	if err != nil {
		return err
	}

	idleDays := ConsecutiveIdleDays(series, d.cfg.UtilizationPercent)
	if idleDays < d.cfg.MinDays {
		return nil
	}

	monthlyCost, err := d.monthlyCostEstimate(ctx, tenantID, resourceID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("%s averaged below %.1f%% for %d consecutive days",
		d.cfg.MetricName, d.cfg.UtilizationPercent, idleDays)

	existing, err := d.repo.GetIdleFlagByResource(ctx, resourceID)
	if errors.Is(err, repository.ErrNotFound) {
		d.logger.Info("idle resource flagged",
			slog.String("resource_id", resourceID),
			slog.Int("idle_days", idleDays),
			slog.Float64("monthly_cost_estimate", monthlyCost))
		return d.repo.InsertIdleFlag(ctx, model.IdleResourceFlag{
			ResourceID:          resourceID,
			TenantID:            tenantID,
			Reason:              reason,
			IdleDays:            idleDays,
			MonthlyCostEstimate: monthlyCost,
			Status:              model.IdleFlagOpen,
		})
	}
	if err != nil {
		return err
	}

	// Only open flags are refreshed. Ignored, actioned, and resolved flags
	// change status solely through operator action.
	if existing.Status != model.IdleFlagOpen {
		return nil
	}
	return d.repo.RefreshIdleFlag(ctx, existing.ID, idleDays, monthlyCost, reason)
}

// monthlyCostEstimate projects the resource's average daily spend over the
// trailing 30 days onto a month.
func (d *IdleDetector) monthlyCostEstimate(ctx context.Context, tenantID, resourceID string) (float64, error) {
	to := d.now().UTC()
	from := to.AddDate(0, 0, -30)
	costs, err := d.repo.DailyCosts(ctx, tenantID, resourceID, from, to)
	if err != nil {
		return 0, err
	}
	if len(costs) == 0 {
		return 0, nil
	}
	var sum float64
	for _, c := range costs {
		sum += c.Cost
	}
	return sum / float64(len(costs)) * 30, nil
}

// ConsecutiveIdleDays counts, from the newest sample backwards, how many days
// in a row stayed below the threshold. An ascending series is expected.
func ConsecutiveIdleDays(series []model.DailyUtilization, threshold float64) int {
	count := 0
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Average >= threshold {
			break
		}
		count++
	}
	return count
}
