package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// OptimizationConfig tunes the fleet-grading scorer.
type OptimizationConfig struct {
	LookbackDays int
	MetricName   string
}

// OptimizationSignals are the per-resource inputs the scorer aggregates. The
// score is a pure function of these, so recomputation on unchanged inputs
// yields the same grade.
type OptimizationSignals struct {
	AverageUtilization float64
	HasUtilization     bool
	CostTrendPercent   float64
	HasCostTrend       bool
	OpenIdleFlag       bool
	RecentAnomalies    int
}

// OptimizationScorer grades each resource 0-100 (mapped A-F) from
// utilization, cost trend, idle state, and anomaly pressure.
type OptimizationScorer struct {
	repo   AnalyticsRepo
	cfg    OptimizationConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewOptimizationScorer(repo AnalyticsRepo, cfg OptimizationConfig, logger *slog.Logger) *OptimizationScorer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.MetricName == "" {
		cfg.MetricName = "cpu_percent"
	}
	return &OptimizationScorer{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

func (o *OptimizationScorer) Run(ctx context.Context, tenantID string) error {
	resources, err := o.repo.ListResources(ctx, tenantID, "")
	if err != nil {
		return err
	}
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		signals, err := o.collectSignals(ctx, tenantID, res.ResourceID)
		if err != nil {
			return err
		}
		score, factors := ComputeOptimizationScore(signals)
		err = o.repo.UpsertDerivedScore(ctx, model.DerivedScore{
			ResourceID: res.ResourceID,
			TenantID:   tenantID,
			ScoreType:  model.ScoreTypeOptimization,
			Score:      score,
			Factors:    factors,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *OptimizationScorer) collectSignals(ctx context.Context, tenantID, resourceID string) (OptimizationSignals, error) {
	var s OptimizationSignals
	now := o.now().UTC()
	since := now.AddDate(0, 0, -o.cfg.LookbackDays)

	util, err := o.repo.DailyUtilization(ctx, resourceID, o.cfg.MetricName, since)
	if err != nil {
		return s, err
	}
	if len(util) > 0 {
		var sum float64
		for _, u := range util {
			sum += u.Average
		}
		s.AverageUtilization = sum / float64(len(util))
		s.HasUtilization = true
	}

	costs, err := o.repo.DailyCosts(ctx, tenantID, resourceID, since, now)
	if err != nil {
		return s, err
	}
	if trend, ok := costTrendPercent(costs); ok {
		s.CostTrendPercent = trend
		s.HasCostTrend = true
	}

	flag, err := o.repo.GetIdleFlagByResource(ctx, resourceID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return s, err
	}
	if err == nil && flag.Status == model.IdleFlagOpen {
		s.OpenIdleFlag = true
	}

	anomalies, err := o.repo.RecentAnomalyCount(ctx, tenantID, resourceID, since)
	if err != nil {
		return s, err
	}
	s.RecentAnomalies = anomalies
	return s, nil
}

// costTrendPercent compares the mean of the newer half of the series against
// the older half. Needs at least four days to say anything.
func costTrendPercent(series []model.DailyCost) (float64, bool) {
	if len(series) < 4 {
		return 0, false
	}
	mid := len(series) / 2
	var older, newer float64
	for _, c := range series[:mid] {
		older += c.Cost
	}
	for _, c := range series[mid:] {
		newer += c.Cost
	}
	older /= float64(mid)
	newer /= float64(len(series) - mid)
	if older <= 0 {
		return 0, false
	}
	return (newer - older) / older * 100, true
}

// ComputeOptimizationScore is deterministic: same signals, same score.
func ComputeOptimizationScore(s OptimizationSignals) (float64, model.Factors) {
	utilization := 100.0
	if s.HasUtilization {
		switch {
		case s.AverageUtilization < 5:
			utilization = 40
		case s.AverageUtilization < 20:
			utilization = 70
		case s.AverageUtilization > 90:
			// Saturated resources need attention too.
			utilization = 75
		default:
			utilization = 100
		}
	}

	costStability := 100.0
	if s.HasCostTrend && s.CostTrendPercent > 10 {
		penalty := (s.CostTrendPercent - 10) * 1.5
		if penalty > 50 {
			penalty = 50
		}
		costStability -= penalty
	}
	penalty := float64(s.RecentAnomalies) * 10
	if penalty > 40 {
		penalty = 40
	}
	costStability -= penalty
	costStability = clampScore(costStability)

	waste := 100.0
	if s.OpenIdleFlag {
		waste = 30
	}

	score := clampScore(utilization*0.4 + costStability*0.3 + waste*0.3)
	return score, model.Factors{
		"utilization":    clampScore(utilization),
		"cost_stability": costStability,
		"waste":          waste,
	}
}

// Summary rolls the latest optimization scores up into the fleet view.
func (o *OptimizationScorer) Summary(ctx context.Context, tenantID string) (*model.OptimizationSummary, error) {
	scores, err := o.repo.ListDerivedScores(ctx, tenantID, model.ScoreTypeOptimization)
	if err != nil {
		return nil, err
	}
	summary := &model.OptimizationSummary{
		TenantID:   tenantID,
		Grades:     map[string]int{},
		ComputedAt: o.now().UTC(),
	}
	if len(scores) == 0 {
		return summary, nil
	}
	var sum float64
	for _, s := range scores {
		sum += s.Score
		summary.Grades[model.Grade(s.Score)]++
	}
	summary.Resources = len(scores)
	summary.AverageScore = sum / float64(len(scores))
	return summary, nil
}
