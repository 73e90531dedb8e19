package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// SyncRepo is the storage surface the orchestrator and writers use.
// Implemented by repository.PostgresRepo; faked in tests.
type SyncRepo interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	SetTenantValidated(ctx context.Context, tenantID string, at *time.Time) error

	StartSyncLog(ctx context.Context, tenantID string, kind model.SyncKind) (*model.SyncLogEntry, error)
	FinishSyncLog(ctx context.Context, id string, status model.SyncStatus, records, warnings int, errMsg string) error
	HasRunningSync(ctx context.Context, tenantID string, kind model.SyncKind) (bool, error)
	GetSyncLogs(ctx context.Context, tenantID string, kind model.SyncKind, limit int) ([]model.SyncLogEntry, error)

	UpsertResources(ctx context.Context, tenantID string, resources []model.CachedResource) (int, error)
	UpsertCostRecords(ctx context.Context, tenantID string, records []model.CostRecord) (int, error)
	UpsertMetricSamples(ctx context.Context, samples []model.MetricSample) (int, error)
	UpsertPerformanceStats(ctx context.Context, stats []model.SqlPerformanceStat) (int, error)
	UpsertWaitStats(ctx context.Context, stats []model.WaitStat) (int, error)
	UpsertReplicationLinks(ctx context.Context, links []model.ReplicationLink) (int, error)
	ListResources(ctx context.Context, tenantID, resourceType string) ([]model.CachedResource, error)
}

// SyncOptions carries the orchestrator's scheduling and lookback knobs.
// JobTimeout bounds one whole job, gateway calls and storage writes included,
// so a stalled connection cannot park a worker.
type SyncOptions struct {
	Workers          int
	QueueSize        int
	JobTimeout       time.Duration
	MetricsLookback  time.Duration
	CostLookbackDays int
	SchedulerEnabled bool
	Intervals        map[model.SyncKind]time.Duration
}

type syncTask struct {
	TenantID string
	Kind     model.SyncKind
}

// SyncService runs the four sync pipelines per enabled tenant through a
// bounded worker pool. Scheduled ticks and manual triggers enqueue into the
// same channel, so there is no fast path that can race a scheduled run.
type SyncService struct {
	repo    SyncRepo
	broker  *TokenBroker
	gateway *AzureGateway
	opts    SyncOptions
	logger  *slog.Logger

	tasks  chan syncTask
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

func NewSyncService(repo SyncRepo, broker *TokenBroker, gateway *AzureGateway, opts SyncOptions, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &SyncService{
		repo:    repo,
		broker:  broker,
		gateway: gateway,
		opts:    opts,
		logger:  logger,
		tasks:   make(chan syncTask, opts.QueueSize),
	}
}

// Start launches the worker pool and, when enabled, the per-kind schedule
// tickers. Stop cancels in-flight jobs cooperatively; each one finishes by
// marking its sync log entry failed with a cancellation reason.
func (s *SyncService) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	if s.opts.SchedulerEnabled {
		for kind, interval := range s.opts.Intervals {
			if interval <= 0 {
				continue
			}
			s.wg.Add(1)
			go s.schedule(ctx, kind, interval)
		}
	}
	s.logger.Info("sync orchestrator started",
		slog.Int("workers", s.opts.Workers),
		slog.Bool("scheduler", s.opts.SchedulerEnabled))
}

func (s *SyncService) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Trigger enqueues a manual run. It fails only when enqueueing is impossible:
// unknown/disabled tenant, a job already running for the (tenant, kind), or a
// full queue. The result is observable through the sync log.
func (s *SyncService) Trigger(ctx context.Context, tenantID string, kind model.SyncKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown sync kind %q", kind)
	}
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !tenant.Enabled {
		return fmt.Errorf("tenant %s is disabled", tenantID)
	}
	running, err := s.repo.HasRunningSync(ctx, tenantID, kind)
	if err != nil {
		return err
	}
	if running {
		return ErrSyncAlreadyRunning
	}
	select {
	case s.tasks <- syncTask{TenantID: tenantID, Kind: kind}:
		return nil
	default:
		return errors.New("sync queue is full")
	}
}

func (s *SyncService) schedule(ctx context.Context, kind model.SyncKind, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueAll(ctx, kind)
		}
	}
}

func (s *SyncService) enqueueAll(ctx context.Context, kind model.SyncKind) {
	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		s.logger.Error("schedule tick: list tenants", slog.Any("error", err))
		return
	}
	for _, t := range tenants {
		if !t.Enabled {
			continue
		}
		select {
		case s.tasks <- syncTask{TenantID: t.ID, Kind: kind}:
		default:
			s.logger.Warn("sync queue full, dropping scheduled task",
				slog.String("tenant_id", t.ID),
				slog.String("kind", string(kind)))
		}
	}
}

func (s *SyncService) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.tasks:
			s.runJob(ctx, task)
		}
	}
}

// runJob is the single state-machine entry path: claim the running slot via
// check-and-set, execute, then record the terminal state. Failures stay
// inside this (tenant, kind); nothing here can abort another tenant's job.
func (s *SyncService) runJob(ctx context.Context, task syncTask) {
	entry, err := s.repo.StartSyncLog(ctx, task.TenantID, task.Kind)
	if errors.Is(err, repository.ErrRunningExists) {
		s.logger.Debug("skipping task, sync already running",
			slog.String("tenant_id", task.TenantID),
			slog.String("kind", string(task.Kind)))
		return
	}
	if err != nil {
		s.logger.Error("start sync log", slog.Any("error", err))
		return
	}

	log := s.logger.With(
		slog.String("tenant_id", task.TenantID),
		slog.String("kind", string(task.Kind)),
		slog.String("sync_id", entry.ID))
	log.Info("sync started")

	jobCtx, cancelJob := context.WithTimeout(ctx, s.opts.JobTimeout)
	records, warnings, runErr := s.execute(jobCtx, task)
	cancelJob()

	// The terminal update must land even when the job context was
	// cancelled, otherwise the entry stays running forever.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr != nil {
		msg := runErr.Error()
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			msg = "timed out: " + msg
		case errors.Is(runErr, context.Canceled):
			msg = "cancelled: " + msg
		}
		if IsAuthError(runErr) {
			// Flag the tenant for re-validation and drop the cached token.
			s.broker.Invalidate(task.TenantID)
			if err := s.repo.SetTenantValidated(finishCtx, task.TenantID, nil); err != nil {
				log.Error("clear tenant validation", slog.Any("error", err))
			}
		}
		if err := s.repo.FinishSyncLog(finishCtx, entry.ID, model.SyncStatusFailed, records, warnings, msg); err != nil {
			log.Error("finish sync log", slog.Any("error", err))
		}
		log.Warn("sync failed", slog.Any("error", runErr), slog.Bool("transient", IsTransient(runErr)))
		return
	}

	if err := s.repo.FinishSyncLog(finishCtx, entry.ID, model.SyncStatusSuccess, records, warnings, ""); err != nil {
		log.Error("finish sync log", slog.Any("error", err))
		return
	}
	log.Info("sync finished",
		slog.Int("records", records),
		slog.Int("warnings", warnings))
}

func (s *SyncService) execute(ctx context.Context, task syncTask) (records, warnings int, err error) {
	tenant, err := s.repo.GetTenant(ctx, task.TenantID)
	if err != nil {
		return 0, 0, err
	}
	token, err := s.broker.Token(ctx, tenant)
	if err != nil {
		return 0, 0, err
	}

	switch task.Kind {
	case model.SyncKindResources:
		return s.syncResources(ctx, tenant, token)
	case model.SyncKindCosts:
		return s.syncCosts(ctx, tenant, token)
	case model.SyncKindMetrics:
		return s.syncMetrics(ctx, tenant, token)
	case model.SyncKindSQLInsights:
		return s.syncSQLInsights(ctx, tenant, token)
	}
	return 0, 0, fmt.Errorf("unknown sync kind %q", task.Kind)
}

func (s *SyncService) syncResources(ctx context.Context, tenant *model.Tenant, token string) (int, int, error) {
	// Resource groups are listed first so an empty inventory still proves
	// the subscription is reachable before the cache is touched.
	if _, err := s.gateway.ListResourceGroups(ctx, token, tenant.SubscriptionID); err != nil {
		return 0, 0, err
	}
	resources, warnings, err := s.gateway.ListResources(ctx, token, tenant.SubscriptionID)
	if err != nil {
		return 0, warnings, err
	}
	count, err := s.repo.UpsertResources(ctx, tenant.ID, resources)
	if err != nil {
		return count, warnings, &WriteError{Table: "resources", Err: err}
	}
	return count, warnings, nil
}

func (s *SyncService) syncCosts(ctx context.Context, tenant *model.Tenant, token string) (int, int, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -s.opts.CostLookbackDays)
	records, warnings, err := s.gateway.QueryCosts(ctx, token, tenant.SubscriptionID, from, to)
	if err != nil {
		return 0, warnings, err
	}
	count, err := s.repo.UpsertCostRecords(ctx, tenant.ID, records)
	if err != nil {
		return count, warnings, &WriteError{Table: "cost_records", Err: err}
	}
	return count, warnings, nil
}

func (s *SyncService) syncMetrics(ctx context.Context, tenant *model.Tenant, token string) (int, int, error) {
	resources, err := s.repo.ListResources(ctx, tenant.ID, "")
	if err != nil {
		return 0, 0, err
	}
	to := time.Now().UTC()
	from := to.Add(-s.opts.MetricsLookback)

	total := 0
	warnings := 0
	for _, res := range resources {
		// Cancellation boundary: one resource per gateway call.
		if err := ctx.Err(); err != nil {
			return total, warnings, err
		}
		samples, err := s.gateway.QueryMetrics(ctx, token, res.ResourceID, metricNamesFor(res.Type), from, to)
		if err != nil {
			if IsAuthError(err) || IsTransient(err) {
				return total, warnings, err
			}
			// A permanently failing resource (deleted between syncs, wrong
			// metric set) should not sink the whole batch.
			warnings++
			continue
		}
		count, err := s.repo.UpsertMetricSamples(ctx, samples)
		if err != nil {
			return total, warnings, &WriteError{Table: "metric_samples", Err: err}
		}
		total += count
	}
	return total, warnings, nil
}

func (s *SyncService) syncSQLInsights(ctx context.Context, tenant *model.Tenant, token string) (int, int, error) {
	resources, err := s.repo.ListResources(ctx, tenant.ID, model.SQLDatabaseType)
	if err != nil {
		return 0, 0, err
	}

	total := 0
	warnings := 0
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return total, warnings, err
		}
		insights, w, err := s.gateway.QuerySQLInsights(ctx, token, res.ResourceID)
		if err != nil {
			if IsAuthError(err) || IsTransient(err) {
				return total, warnings, err
			}
			warnings++
			continue
		}
		warnings += w

		count, err := s.repo.UpsertPerformanceStats(ctx, insights.Performance)
		if err != nil {
			return total, warnings, &WriteError{Table: "sql_performance_stats", Err: err}
		}
		total += count
		count, err = s.repo.UpsertWaitStats(ctx, insights.WaitStats)
		if err != nil {
			return total, warnings, &WriteError{Table: "wait_stats", Err: err}
		}
		total += count
		count, err = s.repo.UpsertReplicationLinks(ctx, insights.ReplicationLinks)
		if err != nil {
			return total, warnings, &WriteError{Table: "replication_links", Err: err}
		}
		total += count
	}
	return total, warnings, nil
}

// metricNamesFor picks the utilization metrics collected per resource type.
func metricNamesFor(resourceType string) []string {
	if resourceType == model.SQLDatabaseType {
		return []string{"cpu_percent", "dtu_consumption_percent", "storage_percent"}
	}
	return []string{"cpu_percent"}
}

// TestConnection exchanges the given credentials for a token and lists the
// subscriptions they can reach. Nothing is persisted.
func (s *SyncService) TestConnection(ctx context.Context, creds model.Credentials) ([]string, error) {
	token, err := s.broker.TokenForCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListSubscriptions(ctx, token)
}

// TestFetchResources validates that the credentials can enumerate the
// subscription's inventory. The cache is not written.
func (s *SyncService) TestFetchResources(ctx context.Context, creds model.Credentials) (int, []string, error) {
	if creds.SubscriptionID == "" {
		return 0, nil, errors.New("subscription_id is required")
	}
	token, err := s.broker.TokenForCredentials(ctx, creds)
	if err != nil {
		return 0, nil, err
	}
	resources, _, err := s.gateway.ListResources(ctx, token, creds.SubscriptionID)
	if err != nil {
		return 0, nil, err
	}
	names := make([]string, 0, len(resources))
	for i, r := range resources {
		if i >= 10 {
			break
		}
		names = append(names, r.Name)
	}
	return len(resources), names, nil
}

// MarkValidated stamps the tenant after a successful connection test.
func (s *SyncService) MarkValidated(ctx context.Context, tenantID string) error {
	now := time.Now().UTC()
	return s.repo.SetTenantValidated(ctx, tenantID, &now)
}
