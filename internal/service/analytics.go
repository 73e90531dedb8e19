package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// AnalyticsRepo is the storage surface the derived-analytics jobs read from
// and write to. Implemented by repository.PostgresRepo; faked in tests.
type AnalyticsRepo interface {
	ListResources(ctx context.Context, tenantID, resourceType string) ([]model.CachedResource, error)

	LatestPerformanceStat(ctx context.Context, resourceID string) (*model.SqlPerformanceStat, error)
	LatestWaitStats(ctx context.Context, resourceID string) ([]model.WaitStat, error)
	LatestReplicationLinks(ctx context.Context, resourceID string) ([]model.ReplicationLink, error)

	DailyCosts(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]model.DailyCost, error)
	CostedResourceIDs(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)
	DailyUtilization(ctx context.Context, resourceID, metricName string, since time.Time) ([]model.DailyUtilization, error)

	UpsertDerivedScore(ctx context.Context, s model.DerivedScore) error
	ListDerivedScores(ctx context.Context, tenantID string, scoreType model.ScoreType) ([]model.DerivedScore, error)
	InsertCostAnomaly(ctx context.Context, a model.CostAnomaly) (bool, error)
	RecentAnomalyCount(ctx context.Context, tenantID, resourceID string, since time.Time) (int, error)

	GetIdleFlagByResource(ctx context.Context, resourceID string) (*model.IdleResourceFlag, error)
	InsertIdleFlag(ctx context.Context, f model.IdleResourceFlag) error
	RefreshIdleFlag(ctx context.Context, id string, idleDays int, monthlyCost float64, reason string) error
	ListIdleFlags(ctx context.Context, tenantID string, status model.IdleFlagStatus) ([]model.IdleResourceFlag, error)
}

// AnalyticsService batches the four derived computations for a tenant. The
// jobs read whatever the writers have accumulated so far; they tolerate
// partially-updated data and never block on a running sync.
type AnalyticsService struct {
	Health  *HealthCalculator
	Anomaly *AnomalyDetector
	Idle    *IdleDetector
	Opt     *OptimizationScorer
	logger  *slog.Logger
}

func NewAnalyticsService(health *HealthCalculator, anomaly *AnomalyDetector, idle *IdleDetector, opt *OptimizationScorer, logger *slog.Logger) *AnalyticsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsService{Health: health, Anomaly: anomaly, Idle: idle, Opt: opt, logger: logger}
}

// RunAll executes health, anomaly, and idle detection concurrently, then the
// optimization scorer (which reads the idle flags the detector just wrote).
func (s *AnalyticsService) RunAll(ctx context.Context, tenantID string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Health.Run(gctx, tenantID) })
	g.Go(func() error { return s.Anomaly.Run(gctx, tenantID) })
	g.Go(func() error { return s.Idle.Run(gctx, tenantID) })
	if err := g.Wait(); err != nil {
		return err
	}
	return s.Opt.Run(ctx, tenantID)
}
