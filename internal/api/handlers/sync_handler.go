package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/service"
)

// Syncer is the orchestration surface the sync API needs.
type Syncer interface {
	Trigger(ctx context.Context, tenantID string, kind model.SyncKind) error
}

// SyncLogSource reads the sync history.
type SyncLogSource interface {
	GetSyncLogs(ctx context.Context, tenantID string, kind model.SyncKind, limit int) ([]model.SyncLogEntry, error)
}

type SyncHandler struct {
	Sync Syncer
	Logs SyncLogSource
}

func NewSyncHandler(sync Syncer, logs SyncLogSource) *SyncHandler {
	return &SyncHandler{Sync: sync, Logs: logs}
}

type triggerRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
}

// TriggerSync handles POST /api/v1/sync/trigger. It returns 202 immediately;
// the outcome is observable via the sync log.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	kind := model.SyncKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown sync kind"})
		return
	}

	err := h.Sync.Trigger(c.Request.Context(), req.TenantID, kind)
	if errors.Is(err, service.ErrSyncAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "sync enqueued"})
}

// GetSyncLogs handles GET /api/v1/sync/logs?tenant_id=&kind=&limit=.
func (h *SyncHandler) GetSyncLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}
	kind := model.SyncKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown sync kind"})
		return
	}

	logs, err := h.Logs.GetSyncLogs(c.Request.Context(), c.Query("tenant_id"), kind, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get sync logs"})
		return
	}
	if logs == nil {
		logs = []model.SyncLogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}
