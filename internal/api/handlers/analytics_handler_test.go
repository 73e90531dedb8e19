package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

type stubAnalyticsStore struct {
	scores  []model.DerivedScore
	flags   []model.IdleResourceFlag
	ackErr  error
	flagErr error

	setID     string
	setStatus model.IdleFlagStatus
	setReason string
}

func (s *stubAnalyticsStore) ListDerivedScores(_ context.Context, _ string, _ model.ScoreType) ([]model.DerivedScore, error) {
	return s.scores, nil
}

func (s *stubAnalyticsStore) ListAnomalies(_ context.Context, _ string, _ bool, _ int) ([]model.CostAnomaly, error) {
	return nil, nil
}

func (s *stubAnalyticsStore) AcknowledgeAnomaly(_ context.Context, _, _ string) error {
	return s.ackErr
}

func (s *stubAnalyticsStore) ListIdleFlags(_ context.Context, _ string, _ model.IdleFlagStatus) ([]model.IdleResourceFlag, error) {
	return s.flags, nil
}

func (s *stubAnalyticsStore) SetIdleFlagStatus(_ context.Context, id string, status model.IdleFlagStatus, reason string) error {
	s.setID = id
	s.setStatus = status
	s.setReason = reason
	return s.flagErr
}

type stubRunner struct{}

func (stubRunner) RunAll(context.Context, string) error { return nil }

// blockingRunner signals each run's start and holds it open until released.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (b *blockingRunner) RunAll(ctx context.Context, tenantID string) error {
	b.started <- tenantID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stubSummarizer struct{}

func (stubSummarizer) Summary(_ context.Context, tenantID string) (*model.OptimizationSummary, error) {
	return &model.OptimizationSummary{TenantID: tenantID, Grades: map[string]int{}}, nil
}

func analyticsRouter(store *stubAnalyticsStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAnalyticsHandler(stubRunner{}, store, stubSummarizer{}, nil)
	r.POST("/analytics/run", h.RunAnalytics)
	r.GET("/analytics/health", h.GetHealthScores)
	r.GET("/analytics/anomalies", h.GetAnomalies)
	r.POST("/analytics/anomalies/:id/acknowledge", h.AcknowledgeAnomaly)
	r.GET("/analytics/idle", h.GetIdleResources)
	r.POST("/analytics/idle/:id/status", h.SetIdleResourceStatus)
	r.GET("/analytics/optimization/summary", h.GetOptimizationSummary)
	return r
}

// TestRunAnalytics verifies the run endpoint requires a tenant and returns
// 202 when accepted.
func TestRunAnalytics(t *testing.T) {
	r := analyticsRouter(&stubAnalyticsStore{})

	w := performRequest(t, r, http.MethodPost, "/analytics/run", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(t, r, http.MethodPost, "/analytics/run?tenant_id=t1", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

// TestRunAnalytics_SingleRunPerTenant verifies repeated triggers for the same
// tenant conflict while a run is in flight, other tenants stay unaffected,
// and the slot frees once the run completes.
func TestRunAnalytics_SingleRunPerTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	runner := &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
	h := NewAnalyticsHandler(runner, &stubAnalyticsStore{}, stubSummarizer{}, nil)
	r := gin.New()
	r.POST("/analytics/run", h.RunAnalytics)

	w := performRequest(t, r, http.MethodPost, "/analytics/run?tenant_id=t1", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "t1", <-runner.started)

	w = performRequest(t, r, http.MethodPost, "/analytics/run?tenant_id=t1", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = performRequest(t, r, http.MethodPost, "/analytics/run?tenant_id=t2", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "t2", <-runner.started)

	close(runner.release)
	assert.Eventually(t, func() bool {
		w := performRequest(t, r, http.MethodPost, "/analytics/run?tenant_id=t1", "")
		return w.Code == http.StatusAccepted
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSetIdleResourceStatus verifies status transitions validate the target
// state and pass the operator's reason through.
func TestSetIdleResourceStatus(t *testing.T) {
	store := &stubAnalyticsStore{}
	r := analyticsRouter(store)

	w := performRequest(t, r, http.MethodPost, "/analytics/idle/flag-1/status",
		`{"status":"ignored","reason":"known batch host"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flag-1", store.setID)
	assert.Equal(t, model.IdleFlagIgnored, store.setStatus)
	assert.Equal(t, "known batch host", store.setReason)

	w = performRequest(t, r, http.MethodPost, "/analytics/idle/flag-1/status", `{"status":"parked"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	store.flagErr = repository.ErrNotFound
	w = performRequest(t, r, http.MethodPost, "/analytics/idle/ghost/status", `{"status":"resolved"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestAcknowledgeAnomaly verifies the double-acknowledge path maps to 404.
func TestAcknowledgeAnomaly(t *testing.T) {
	store := &stubAnalyticsStore{}
	r := analyticsRouter(store)

	w := performRequest(t, r, http.MethodPost, "/analytics/anomalies/a-1/acknowledge", "")
	assert.Equal(t, http.StatusOK, w.Code)

	store.ackErr = repository.ErrNotFound
	w = performRequest(t, r, http.MethodPost, "/analytics/anomalies/a-1/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestGetHealthScores_EmptyIsArray verifies empty result sets serialize as
// [] across the read endpoints.
func TestGetHealthScores_EmptyIsArray(t *testing.T) {
	r := analyticsRouter(&stubAnalyticsStore{})

	for _, path := range []string{"/analytics/health", "/analytics/anomalies", "/analytics/idle"} {
		w := performRequest(t, r, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()), path)
	}
}

// TestGetOptimizationSummary verifies the tenant requirement.
func TestGetOptimizationSummary(t *testing.T) {
	r := analyticsRouter(&stubAnalyticsStore{})

	w := performRequest(t, r, http.MethodGet, "/analytics/optimization/summary", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(t, r, http.MethodGet, "/analytics/optimization/summary?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant_id":"t1"`)
}
