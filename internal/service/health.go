package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// HealthConfig carries the scoring weights and thresholds. Weights are
// normalized at computation time, so they need not sum to one.
type HealthConfig struct {
	WeightPerformance float64
	WeightWaits       float64
	WeightReplication float64
	LagThreshold      time.Duration
}

// HealthCalculator derives a 0-100 composite health score per SQL database
// from the latest performance snapshot, wait stats, and replication links.
type HealthCalculator struct {
	repo   AnalyticsRepo
	cfg    HealthConfig
	logger *slog.Logger
}

func NewHealthCalculator(repo AnalyticsRepo, cfg HealthConfig, logger *slog.Logger) *HealthCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthCalculator{repo: repo, cfg: cfg, logger: logger}
}

// Run scores every SQL database the tenant has cached. Resources without any
// performance history are skipped.
func (h *HealthCalculator) Run(ctx context.Context, tenantID string) error {
	resources, err := h.repo.ListResources(ctx, tenantID, model.SQLDatabaseType)
	if err != nil {
		return err
	}
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		perf, err := h.repo.LatestPerformanceStat(ctx, res.ResourceID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		waits, err := h.repo.LatestWaitStats(ctx, res.ResourceID)
		if err != nil {
			return err
		}
		links, err := h.repo.LatestReplicationLinks(ctx, res.ResourceID)
		if err != nil {
			return err
		}

		score, factors := ComputeHealthScore(perf, waits, links, h.cfg)
		err = h.repo.UpsertDerivedScore(ctx, model.DerivedScore{
			ResourceID: res.ResourceID,
			TenantID:   tenantID,
			ScoreType:  model.ScoreTypeHealth,
			Score:      score,
			Factors:    factors,
		})
		if err != nil {
			return err
		}
		h.logger.Debug("health score computed",
			slog.String("resource_id", res.ResourceID),
			slog.Float64("score", score))
	}
	return nil
}

// ComputeHealthScore is the pure scoring function. It is monotonic: degrading
// any single input (higher CPU/DTU, more deadlocks or blocked processes, a
// larger share of I/O or lock waits, more replication lag, a worse link
// state) never raises the composite.
func ComputeHealthScore(perf *model.SqlPerformanceStat, waits []model.WaitStat, links []model.ReplicationLink, cfg HealthConfig) (float64, model.Factors) {
	perfScore := performanceSubScore(perf)
	waitScore := waitSubScore(waits)
	replScore := replicationSubScore(links, cfg.LagThreshold)

	totalWeight := cfg.WeightPerformance + cfg.WeightWaits + cfg.WeightReplication
	if totalWeight <= 0 {
		totalWeight = 1
	}
	composite := (perfScore*cfg.WeightPerformance + waitScore*cfg.WeightWaits + replScore*cfg.WeightReplication) / totalWeight

	return clampScore(composite), model.Factors{
		"performance": clampScore(perfScore),
		"waits":       clampScore(waitScore),
		"replication": clampScore(replScore),
	}
}

func performanceSubScore(perf *model.SqlPerformanceStat) float64 {
	if perf == nil {
		return 100
	}
	load := perf.CPUPercent
	if perf.DTUPercent > load {
		load = perf.DTUPercent
	}
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	score := 100 - load*0.8
	score -= float64(perf.DeadlockCount) * 5
	score -= float64(perf.BlockedProcessCount) * 3
	return clampScore(score)
}

// waitCategory buckets a wait type by prefix. Anything unclassified lands in
// the neutral "other" bucket.
func waitCategory(waitType string) string {
	wt := strings.ToUpper(waitType)
	switch {
	case strings.HasPrefix(wt, "PAGEIOLATCH"),
		strings.HasPrefix(wt, "IO_"),
		strings.HasPrefix(wt, "WRITELOG"),
		strings.HasPrefix(wt, "ASYNC_IO"),
		strings.HasPrefix(wt, "BACKUPIO"):
		return "io"
	case strings.HasPrefix(wt, "LCK_"), strings.HasPrefix(wt, "LATCH_"):
		return "lock"
	default:
		return "other"
	}
}

// waitSubScore penalizes dominance of I/O and lock waits. No wait data is
// neutral (100).
func waitSubScore(waits []model.WaitStat) float64 {
	var total, penalized float64
	for _, w := range waits {
		if w.WaitTimeMs <= 0 {
			continue
		}
		total += w.WaitTimeMs
		if cat := waitCategory(w.WaitType); cat == "io" || cat == "lock" {
			penalized += w.WaitTimeMs
		}
	}
	if total <= 0 {
		return 100
	}
	return clampScore(100 - (penalized/total)*100)
}

// replicationSubScore takes the worst link. No links is neutral (100).
func replicationSubScore(links []model.ReplicationLink, lagThreshold time.Duration) float64 {
	if len(links) == 0 {
		return 100
	}
	worst := 100.0
	for _, l := range links {
		score := 100.0
		if !replicationHealthyState(l.State) {
			score = 40
		}
		if over := l.LagSeconds - lagThreshold.Seconds(); over > 0 {
			penalty := over * 2
			if penalty > 60 {
				penalty = 60
			}
			score -= penalty
		}
		if score < worst {
			worst = score
		}
	}
	return clampScore(worst)
}

func replicationHealthyState(state string) bool {
	switch strings.ToUpper(state) {
	case "CATCH_UP", "CATCHING_UP", "SYNCHRONIZED":
		return true
	}
	return false
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
