package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// fakeAnalyticsRepo is an in-memory AnalyticsRepo shared by the detector and
// scorer tests.
type fakeAnalyticsRepo struct {
	mu sync.Mutex

	resources   []model.CachedResource
	perf        map[string]*model.SqlPerformanceStat
	waits       map[string][]model.WaitStat
	replication map[string][]model.ReplicationLink

	// dailyCosts keys on resourceID; "" is the tenant aggregate.
	dailyCosts  map[string][]model.DailyCost
	utilization map[string][]model.DailyUtilization

	scores    map[string]model.DerivedScore
	anomalies []model.CostAnomaly
	idleFlags map[string]*model.IdleResourceFlag

	insertedFlags  int
	refreshedFlags int
}

func newFakeAnalyticsRepo() *fakeAnalyticsRepo {
	return &fakeAnalyticsRepo{
		perf:        map[string]*model.SqlPerformanceStat{},
		waits:       map[string][]model.WaitStat{},
		replication: map[string][]model.ReplicationLink{},
		dailyCosts:  map[string][]model.DailyCost{},
		utilization: map[string][]model.DailyUtilization{},
		scores:      map[string]model.DerivedScore{},
		idleFlags:   map[string]*model.IdleResourceFlag{},
	}
}

func (f *fakeAnalyticsRepo) ListResources(_ context.Context, _, resourceType string) ([]model.CachedResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CachedResource
	for _, r := range f.resources {
		if resourceType == "" || r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) LatestPerformanceStat(_ context.Context, resourceID string) (*model.SqlPerformanceStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.perf[resourceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakeAnalyticsRepo) LatestWaitStats(_ context.Context, resourceID string) ([]model.WaitStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits[resourceID], nil
}

func (f *fakeAnalyticsRepo) LatestReplicationLinks(_ context.Context, resourceID string) ([]model.ReplicationLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replication[resourceID], nil
}

func (f *fakeAnalyticsRepo) DailyCosts(_ context.Context, _, resourceID string, from, to time.Time) ([]model.DailyCost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DailyCost
	for _, c := range f.dailyCosts[resourceID] {
		if !c.Day.Before(from) && !c.Day.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) CostedResourceIDs(_ context.Context, _ string, _, _ time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.dailyCosts {
		if id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) DailyUtilization(_ context.Context, resourceID, _ string, since time.Time) ([]model.DailyUtilization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DailyUtilization
	for _, u := range f.utilization[resourceID] {
		if !u.Day.Before(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) UpsertDerivedScore(_ context.Context, s model.DerivedScore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[s.ResourceID+"/"+string(s.ScoreType)] = s
	return nil
}

func (f *fakeAnalyticsRepo) ListDerivedScores(_ context.Context, _ string, scoreType model.ScoreType) ([]model.DerivedScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DerivedScore
	for _, s := range f.scores {
		if s.ScoreType == scoreType {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) InsertCostAnomaly(_ context.Context, a model.CostAnomaly) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.anomalies {
		if existing.TenantID == a.TenantID && existing.ResourceID == a.ResourceID && existing.Date.Equal(a.Date) {
			return false, nil
		}
	}
	a.ID = fmt.Sprintf("anomaly-%d", len(f.anomalies)+1)
	f.anomalies = append(f.anomalies, a)
	return true, nil
}

func (f *fakeAnalyticsRepo) RecentAnomalyCount(_ context.Context, _, resourceID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.anomalies {
		if a.ResourceID == resourceID && !a.Date.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeAnalyticsRepo) GetIdleFlagByResource(_ context.Context, resourceID string) (*model.IdleResourceFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.idleFlags[resourceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *flag
	return &cp, nil
}

func (f *fakeAnalyticsRepo) InsertIdleFlag(_ context.Context, flag model.IdleResourceFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag.ID = fmt.Sprintf("flag-%d", len(f.idleFlags)+1)
	flag.FirstDetectedAt = time.Now().UTC()
	f.idleFlags[flag.ResourceID] = &flag
	f.insertedFlags++
	return nil
}

func (f *fakeAnalyticsRepo) RefreshIdleFlag(_ context.Context, id string, idleDays int, monthlyCost float64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flag := range f.idleFlags {
		if flag.ID == id {
			flag.IdleDays = idleDays
			flag.MonthlyCostEstimate = monthlyCost
			flag.Reason = reason
			flag.UpdatedAt = time.Now().UTC()
			f.refreshedFlags++
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeAnalyticsRepo) ListIdleFlags(_ context.Context, _ string, status model.IdleFlagStatus) ([]model.IdleResourceFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.IdleResourceFlag
	for _, flag := range f.idleFlags {
		if status == "" || flag.Status == status {
			out = append(out, *flag)
		}
	}
	return out, nil
}
