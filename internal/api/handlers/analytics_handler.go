package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
)

// AnalyticsRunner batches the derived computations for one tenant.
type AnalyticsRunner interface {
	RunAll(ctx context.Context, tenantID string) error
}

// AnalyticsStore reads and mutates the derived tables.
type AnalyticsStore interface {
	ListDerivedScores(ctx context.Context, tenantID string, scoreType model.ScoreType) ([]model.DerivedScore, error)
	ListAnomalies(ctx context.Context, tenantID string, unacknowledgedOnly bool, limit int) ([]model.CostAnomaly, error)
	AcknowledgeAnomaly(ctx context.Context, id, who string) error
	ListIdleFlags(ctx context.Context, tenantID string, status model.IdleFlagStatus) ([]model.IdleResourceFlag, error)
	SetIdleFlagStatus(ctx context.Context, id string, status model.IdleFlagStatus, reason string) error
}

// Summarizer builds the fleet-wide optimization rollup.
type Summarizer interface {
	Summary(ctx context.Context, tenantID string) (*model.OptimizationSummary, error)
}

type AnalyticsHandler struct {
	Runner  AnalyticsRunner
	Store   AnalyticsStore
	Opt     Summarizer
	Logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	running map[string]bool
}

func NewAnalyticsHandler(runner AnalyticsRunner, store AnalyticsStore, opt Summarizer, logger *slog.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHandler{
		Runner:  runner,
		Store:   store,
		Opt:     opt,
		Logger:  logger,
		timeout: 10 * time.Minute,
		running: map[string]bool{},
	}
}

// RunAnalytics handles POST /api/v1/analytics/run. The batch runs in the
// background; progress lands in the derived tables. At most one run per
// tenant is in flight; a second trigger while one runs gets a conflict.
func (h *AnalyticsHandler) RunAnalytics(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	h.mu.Lock()
	if h.running[tenantID] {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "analytics run already in progress"})
		return
	}
	h.running[tenantID] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.running, tenantID)
			h.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.Runner.RunAll(ctx, tenantID); err != nil {
			h.Logger.Error("analytics run failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err))
			return
		}
		h.Logger.Info("analytics run finished", slog.String("tenant_id", tenantID))
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "analytics run started"})
}

// GetHealthScores handles GET /api/v1/analytics/health?tenant_id=.
func (h *AnalyticsHandler) GetHealthScores(c *gin.Context) {
	scores, err := h.Store.ListDerivedScores(c.Request.Context(), c.Query("tenant_id"), model.ScoreTypeHealth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get health scores"})
		return
	}
	if scores == nil {
		scores = []model.DerivedScore{}
	}
	c.JSON(http.StatusOK, scores)
}

// GetAnomalies handles GET /api/v1/analytics/anomalies?tenant_id=&open=&limit=.
func (h *AnalyticsHandler) GetAnomalies(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}
	openOnly := c.Query("open") == "true"

	anomalies, err := h.Store.ListAnomalies(c.Request.Context(), c.Query("tenant_id"), openOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get anomalies"})
		return
	}
	if anomalies == nil {
		anomalies = []model.CostAnomaly{}
	}
	c.JSON(http.StatusOK, anomalies)
}

// AcknowledgeAnomaly handles POST /api/v1/analytics/anomalies/:id/acknowledge.
func (h *AnalyticsHandler) AcknowledgeAnomaly(c *gin.Context) {
	who := c.GetString("username")
	if who == "" {
		who = "admin"
	}
	err := h.Store.AcknowledgeAnomaly(c.Request.Context(), c.Param("id"), who)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "anomaly not found or already acknowledged"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge anomaly"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "anomaly acknowledged"})
}

// GetIdleResources handles GET /api/v1/analytics/idle?tenant_id=&status=.
func (h *AnalyticsHandler) GetIdleResources(c *gin.Context) {
	status := model.IdleFlagStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	flags, err := h.Store.ListIdleFlags(c.Request.Context(), c.Query("tenant_id"), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get idle resources"})
		return
	}
	if flags == nil {
		flags = []model.IdleResourceFlag{}
	}
	c.JSON(http.StatusOK, flags)
}

type idleStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// SetIdleResourceStatus handles POST /api/v1/analytics/idle/:id/status.
func (h *AnalyticsHandler) SetIdleResourceStatus(c *gin.Context) {
	var req idleStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	status := model.IdleFlagStatus(req.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	err := h.Store.SetIdleFlagStatus(c.Request.Context(), c.Param("id"), status, req.Reason)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "idle flag not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update idle flag"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "status updated"})
}

// GetOptimizationSummary handles GET /api/v1/analytics/optimization/summary?tenant_id=.
func (h *AnalyticsHandler) GetOptimizationSummary(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	summary, err := h.Opt.Summary(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
