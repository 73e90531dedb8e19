package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

func defaultHealthConfig() HealthConfig {
	return HealthConfig{
		WeightPerformance: 0.5,
		WeightWaits:       0.3,
		WeightReplication: 0.2,
		LagThreshold:      10 * time.Second,
	}
}

// TestComputeHealthScore_IdleDatabase verifies a quiet database scores at the
// top of the scale.
func TestComputeHealthScore_IdleDatabase(t *testing.T) {
	perf := &model.SqlPerformanceStat{CPUPercent: 0, DTUPercent: 0}
	score, factors := ComputeHealthScore(perf, nil, nil, defaultHealthConfig())

	assert.Equal(t, 100.0, score)
	assert.Equal(t, 100.0, factors["performance"])
	assert.Equal(t, 100.0, factors["waits"])
	assert.Equal(t, 100.0, factors["replication"])
}

// TestComputeHealthScore_LoadMonotonicity verifies raising CPU never raises
// the composite.
func TestComputeHealthScore_LoadMonotonicity(t *testing.T) {
	cfg := defaultHealthConfig()
	prev := 101.0
	for cpu := 0.0; cpu <= 100; cpu += 10 {
		score, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: cpu}, nil, nil, cfg)
		assert.LessOrEqual(t, score, prev, "score must not rise with cpu %.0f", cpu)
		prev = score
	}
}

// TestComputeHealthScore_DeadlocksPenalize verifies deadlocks and blocked
// processes each drag the performance factor down.
func TestComputeHealthScore_DeadlocksPenalize(t *testing.T) {
	cfg := defaultHealthConfig()
	clean, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: 50}, nil, nil, cfg)
	deadlocked, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: 50, DeadlockCount: 3}, nil, nil, cfg)
	blocked, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: 50, BlockedProcessCount: 4}, nil, nil, cfg)

	assert.Less(t, deadlocked, clean)
	assert.Less(t, blocked, clean)
}

// TestComputeHealthScore_WorstMetricDrivesLoad verifies DTU is used when it
// exceeds CPU.
func TestComputeHealthScore_WorstMetricDrivesLoad(t *testing.T) {
	cfg := defaultHealthConfig()
	byCPU, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: 90, DTUPercent: 10}, nil, nil, cfg)
	byDTU, _ := ComputeHealthScore(&model.SqlPerformanceStat{CPUPercent: 10, DTUPercent: 90}, nil, nil, cfg)
	assert.Equal(t, byCPU, byDTU)
}

// TestWaitSubScore verifies penalized categories lower the factor while
// unclassified waits stay neutral.
func TestWaitSubScore(t *testing.T) {
	assert.Equal(t, 100.0, waitSubScore(nil))

	// Only neutral waits.
	neutral := []model.WaitStat{{WaitType: "SOS_SCHEDULER_YIELD", WaitTimeMs: 1000}}
	assert.Equal(t, 100.0, waitSubScore(neutral))

	// Half the wait time is I/O.
	mixed := []model.WaitStat{
		{WaitType: "PAGEIOLATCH_SH", WaitTimeMs: 500},
		{WaitType: "SOS_SCHEDULER_YIELD", WaitTimeMs: 500},
	}
	assert.Equal(t, 50.0, waitSubScore(mixed))

	// Lock waits dominate entirely.
	locked := []model.WaitStat{{WaitType: "LCK_M_X", WaitTimeMs: 800}}
	assert.Equal(t, 0.0, waitSubScore(locked))
}

// TestWaitCategory spot-checks the prefix buckets.
func TestWaitCategory(t *testing.T) {
	assert.Equal(t, "io", waitCategory("PAGEIOLATCH_EX"))
	assert.Equal(t, "io", waitCategory("WRITELOG"))
	assert.Equal(t, "lock", waitCategory("LCK_M_S"))
	assert.Equal(t, "lock", waitCategory("LATCH_EX"))
	assert.Equal(t, "other", waitCategory("CXPACKET"))
}

// TestReplicationSubScore verifies the worst link dominates and lag over the
// threshold is penalized.
func TestReplicationSubScore(t *testing.T) {
	threshold := 10 * time.Second

	assert.Equal(t, 100.0, replicationSubScore(nil, threshold))

	healthy := []model.ReplicationLink{{State: "CATCH_UP", LagSeconds: 1}}
	assert.Equal(t, 100.0, replicationSubScore(healthy, threshold))

	lagging := []model.ReplicationLink{{State: "CATCH_UP", LagSeconds: 25}}
	// 15s over threshold, 2 points per second.
	assert.Equal(t, 70.0, replicationSubScore(lagging, threshold))

	suspended := []model.ReplicationLink{{State: "SUSPENDED", LagSeconds: 0}}
	assert.Equal(t, 40.0, replicationSubScore(suspended, threshold))

	// Worst of a healthy and a suspended link.
	mixed := append(healthy, suspended...)
	assert.Equal(t, 40.0, replicationSubScore(mixed, threshold))
}

// TestHealthCalculator_SkipsWithoutHistory verifies databases with no
// performance snapshot are left unscored.
func TestHealthCalculator_SkipsWithoutHistory(t *testing.T) {
	repo := newFakeAnalyticsRepo()
	repo.resources = []model.CachedResource{
		{ResourceID: "/s/rg/db-scored", TenantID: "t1", Type: model.SQLDatabaseType},
		{ResourceID: "/s/rg/db-empty", TenantID: "t1", Type: model.SQLDatabaseType},
		{ResourceID: "/s/rg/vm1", TenantID: "t1", Type: "Microsoft.Compute/virtualMachines"},
	}
	repo.perf["/s/rg/db-scored"] = &model.SqlPerformanceStat{CPUPercent: 30}

	calc := NewHealthCalculator(repo, defaultHealthConfig(), nil)
	require.NoError(t, calc.Run(context.Background(), "t1"))

	scores, err := repo.ListDerivedScores(context.Background(), "t1", model.ScoreTypeHealth)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "/s/rg/db-scored", scores[0].ResourceID)
	assert.Contains(t, scores[0].Factors, "performance")
}
