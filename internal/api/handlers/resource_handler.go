package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// ResourceStore reads the cached inventory and cost aggregates.
type ResourceStore interface {
	ListResources(ctx context.Context, tenantID, resourceType string) ([]model.CachedResource, error)
	DailyCosts(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]model.DailyCost, error)
}

type ResourceHandler struct {
	Store ResourceStore
}

func NewResourceHandler(store ResourceStore) *ResourceHandler {
	return &ResourceHandler{Store: store}
}

// GetResources handles GET /api/v1/resources?tenant_id=&type=.
func (h *ResourceHandler) GetResources(c *gin.Context) {
	resources, err := h.Store.ListResources(c.Request.Context(), c.Query("tenant_id"), c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get resources"})
		return
	}
	if resources == nil {
		resources = []model.CachedResource{}
	}
	c.JSON(http.StatusOK, resources)
}

// GetDailyCosts handles GET /api/v1/costs/daily?tenant_id=&resource_id=&days=.
func (h *ResourceHandler) GetDailyCosts(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days parameter"})
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	costs, err := h.Store.DailyCosts(c.Request.Context(), tenantID, c.Query("resource_id"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get daily costs"})
		return
	}
	if costs == nil {
		costs = []model.DailyCost{}
	}
	c.JSON(http.StatusOK, costs)
}
