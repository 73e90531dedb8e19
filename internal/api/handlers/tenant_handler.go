package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/service"
)

// TenantStore is the repository surface the tenant API needs.
type TenantStore interface {
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	CreateTenant(ctx context.Context, cfg model.TenantConfig) (*model.Tenant, error)
	UpdateTenant(ctx context.Context, id string, cfg model.TenantConfig) (*model.Tenant, error)
}

// ConnectionTester is the synchronous validation path used before persisting
// a tenant.
type ConnectionTester interface {
	TestConnection(ctx context.Context, creds model.Credentials) ([]string, error)
	TestFetchResources(ctx context.Context, creds model.Credentials) (int, []string, error)
	MarkValidated(ctx context.Context, tenantID string) error
}

type TenantHandler struct {
	Repo   TenantStore
	Tester ConnectionTester
}

func NewTenantHandler(repo TenantStore, tester ConnectionTester) *TenantHandler {
	return &TenantHandler{Repo: repo, Tester: tester}
}

// ListTenants handles GET /api/v1/tenants. Secrets never appear in the
// response; the Tenant model hides SecretRef from JSON.
func (h *TenantHandler) ListTenants(c *gin.Context) {
	tenants, err := h.Repo.ListTenants(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tenants"})
		return
	}
	if tenants == nil {
		tenants = []model.Tenant{}
	}
	c.JSON(http.StatusOK, tenants)
}

// CreateTenant handles POST /api/v1/tenants.
func (h *TenantHandler) CreateTenant(c *gin.Context) {
	var cfg model.TenantConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if cfg.ClientSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_secret is required"})
		return
	}
	tenant, err := h.Repo.CreateTenant(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create tenant"})
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

// UpdateTenant handles PUT /api/v1/tenants/:id. An empty client_secret keeps
// the stored one.
func (h *TenantHandler) UpdateTenant(c *gin.Context) {
	var cfg model.TenantConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	tenant, err := h.Repo.UpdateTenant(c.Request.Context(), c.Param("id"), cfg)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update tenant"})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// TestConnection handles POST /api/v1/tenants/test-connection. Credentials
// come from the request body and are never persisted here.
func (h *TenantHandler) TestConnection(c *gin.Context) {
	var creds model.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	subs, err := h.Tester.TestConnection(c.Request.Context(), creds)
	if err != nil {
		if service.IsAuthError(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	// An existing tenant can pass its id to stamp last_validated_at.
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		_ = h.Tester.MarkValidated(c.Request.Context(), tenantID)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// TestFetchResources handles POST /api/v1/tenants/test-fetch-resources.
func (h *TenantHandler) TestFetchResources(c *gin.Context) {
	var creds model.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	count, sample, err := h.Tester.TestFetchResources(c.Request.Context(), creds)
	if err != nil {
		if service.IsAuthError(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource_count": count, "sample": sample})
}
