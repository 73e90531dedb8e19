package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/api/handlers"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/api/middleware"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/config"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/repository"
	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/service"
)

func main() {

	// LOAD ENV
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed load config:", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// INIT DB
	repo, err := repository.NewPostgresRepoFromConfig(&repository.DBConfig{
		Host: cfg.DBHost,
		Port: cfg.DBPort,
		User: cfg.DBUser,
		Pass: cfg.DBPass,
		Name: cfg.DBName,
	})
	if err != nil {
		log.Fatal("failed connecting database:", err)
	}
	defer repo.DB.Close()

	// MIGRATIONS
	if err := repo.RunMigrations(context.Background()); err != nil {
		log.Fatal("migration error:", err)
	}

	// ADMIN SEED
	hashed, _ := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err := repo.UpsertAdmin(context.Background(), cfg.AdminUsername, string(hashed)); err != nil {
		logger.Warn("failed seeding admin", slog.Any("error", err))
	} else {
		logger.Info("admin seeded", slog.String("username", cfg.AdminUsername))
	}

	// SERVICES
	broker := service.NewTokenBroker(cfg.AzureLoginURL, cfg.TokenExpiryMargin,
		cfg.AzureManagementURL+"/.default", repo, logger)
	gateway := service.NewAzureGateway(service.GatewayConfig{
		BaseURL:         cfg.AzureManagementURL,
		RequestTimeout:  cfg.RequestTimeout,
		RequestsPerSec:  cfg.RequestsPerSec,
		RequestBurst:    cfg.RequestBurst,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		RetryJitter:     cfg.RetryJitter,
	}, logger)

	syncService := service.NewSyncService(repo, broker, gateway, service.SyncOptions{
		Workers:          cfg.SyncWorkers,
		QueueSize:        cfg.SyncQueueSize,
		JobTimeout:       cfg.SyncJobTimeout,
		MetricsLookback:  cfg.MetricsLookback,
		CostLookbackDays: cfg.CostLookbackDays,
		SchedulerEnabled: cfg.SchedulerEnabled,
		Intervals: map[model.SyncKind]time.Duration{
			model.SyncKindResources:   cfg.ResourceSyncInterval,
			model.SyncKindCosts:       cfg.CostSyncInterval,
			model.SyncKindMetrics:     cfg.MetricSyncInterval,
			model.SyncKindSQLInsights: cfg.InsightSyncInterval,
		},
	}, logger)

	health := service.NewHealthCalculator(repo, service.HealthConfig{
		WeightPerformance: cfg.HealthWeightPerformance,
		WeightWaits:       cfg.HealthWeightWaits,
		WeightReplication: cfg.HealthWeightReplication,
		LagThreshold:      cfg.ReplicationLagThreshold,
	}, logger)
	anomaly := service.NewAnomalyDetector(repo, service.AnomalyConfig{
		InfoPercent:     cfg.AnomalyInfoPercent,
		WarningPercent:  cfg.AnomalyWarningPercent,
		CriticalPercent: cfg.AnomalyCriticalPercent,
		BaselineDays:    cfg.AnomalyBaselineDays,
		MinHistoryDays:  cfg.AnomalyMinHistoryDays,
	}, logger)
	idle := service.NewIdleDetector(repo, service.IdleConfig{
		UtilizationPercent: cfg.IdleUtilizationPercent,
		MinDays:            cfg.IdleMinDays,
		LookbackDays:       cfg.IdleLookbackDays,
	}, logger)
	optimizer := service.NewOptimizationScorer(repo, service.OptimizationConfig{
		LookbackDays: cfg.IdleLookbackDays,
	}, logger)
	analytics := service.NewAnalyticsService(health, anomaly, idle, optimizer, logger)

	authService := service.NewAuthService(repo, cfg.JWTSecret)

	// SCHEDULER + WORKERS
	syncService.Start(context.Background())
	defer syncService.Stop()

	// HANDLERS
	authHandler := handlers.NewAuthHandler(authService)
	tenantHandler := handlers.NewTenantHandler(repo, syncService)
	syncHandler := handlers.NewSyncHandler(syncService, repo)
	analyticsHandler := handlers.NewAnalyticsHandler(analytics, repo, optimizer, logger)
	resourceHandler := handlers.NewResourceHandler(repo)

	// ROUTER
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	api := r.Group("/api/v1")

	// AUTH ROUTES
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
	}

	// PROTECTED ROUTES
	protected := api.Group("")
	protected.Use(middleware.Auth(cfg.JWTSecret))

	tenants := protected.Group("/tenants")
	{
		tenants.GET("", tenantHandler.ListTenants)
		tenants.POST("", tenantHandler.CreateTenant)
		tenants.PUT("/:id", tenantHandler.UpdateTenant)
		tenants.POST("/test-connection", tenantHandler.TestConnection)
		tenants.POST("/test-fetch", tenantHandler.TestFetchResources)
	}

	sync := protected.Group("/sync")
	{
		sync.POST("/trigger", syncHandler.TriggerSync)
		sync.GET("/logs", syncHandler.GetSyncLogs)
	}

	protected.GET("/resources", resourceHandler.GetResources)
	protected.GET("/costs/daily", resourceHandler.GetDailyCosts)

	an := protected.Group("/analytics")
	{
		an.POST("/run", analyticsHandler.RunAnalytics)
		an.GET("/health", analyticsHandler.GetHealthScores)
		an.GET("/anomalies", analyticsHandler.GetAnomalies)
		an.POST("/anomalies/:id/acknowledge", analyticsHandler.AcknowledgeAnomaly)
		an.GET("/idle", analyticsHandler.GetIdleResources)
		an.POST("/idle/:id/status", analyticsHandler.SetIdleResourceStatus)
		an.GET("/optimization/summary", analyticsHandler.GetOptimizationSummary)
	}

	// START SERVER
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logger.Info("server running", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", slog.Any("error", err))
	}
}
