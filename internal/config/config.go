package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// App
	AppEnv string
	Port   string

	// Database
	DBHost string
	DBPort string
	DBUser string
	DBPass string
	DBName string

	JWTSecret string

	// Admin login
	AdminUsername string
	AdminPassword string

	// Azure endpoints. Overridable so tests and sovereign clouds can point
	// elsewhere.
	AzureLoginURL      string
	AzureManagementURL string

	// Token broker
	TokenExpiryMargin time.Duration

	// Remote gateway
	RequestTimeout  time.Duration
	RequestsPerSec  float64
	RequestBurst    int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64

	// Orchestrator
	SyncWorkers          int
	SyncQueueSize        int
	SyncJobTimeout       time.Duration
	ResourceSyncInterval time.Duration
	CostSyncInterval     time.Duration
	MetricSyncInterval   time.Duration
	InsightSyncInterval  time.Duration
	SchedulerEnabled     bool

	// Lookback windows
	MetricsLookback  time.Duration
	CostLookbackDays int

	// Cost anomaly detection
	AnomalyInfoPercent     float64
	AnomalyWarningPercent  float64
	AnomalyCriticalPercent float64
	AnomalyBaselineDays    int
	AnomalyMinHistoryDays  int

	// Idle detection
	IdleUtilizationPercent float64
	IdleMinDays            int
	IdleLookbackDays       int

	// Health scoring
	ReplicationLagThreshold time.Duration
	HealthWeightPerformance float64
	HealthWeightWaits       float64
	HealthWeightReplication float64
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8002"),

		DBHost: getEnv("DB_HOST", "127.0.0.1"),
		DBPort: getEnv("DB_PORT", "5432"),
		DBUser: getEnv("DB_USER", "postgres"),
		DBPass: getEnv("DB_PASS", "postgres"),
		DBName: getEnv("DB_NAME", "azmonitor_db"),

		JWTSecret: getEnv("JWT_SECRET", "secret123"),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "azmonitor-2026"),

		AzureLoginURL:      getEnv("AZURE_LOGIN_URL", "https://login.microsoftonline.com"),
		AzureManagementURL: getEnv("AZURE_MANAGEMENT_URL", "https://management.azure.com"),

		TokenExpiryMargin: getEnvDuration("TOKEN_EXPIRY_MARGIN", 2*time.Minute),

		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RequestsPerSec:  getEnvFloat("REQUESTS_PER_SEC", 5),
		RequestBurst:    getEnvInt("REQUEST_BURST", 10),
		MaxRetries:      getEnvInt("MAX_RETRIES", 4),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 500*time.Millisecond),
		MaxRetryBackoff: getEnvDuration("MAX_RETRY_BACKOFF", 30*time.Second),
		RetryJitter:     getEnvFloat("RETRY_JITTER", 0.2),

		SyncWorkers:          getEnvInt("SYNC_WORKERS", 4),
		SyncQueueSize:        getEnvInt("SYNC_QUEUE_SIZE", 64),
		SyncJobTimeout:       getEnvDuration("SYNC_JOB_TIMEOUT", 10*time.Minute),
		ResourceSyncInterval: getEnvDuration("RESOURCE_SYNC_INTERVAL", time.Hour),
		CostSyncInterval:     getEnvDuration("COST_SYNC_INTERVAL", 6*time.Hour),
		MetricSyncInterval:   getEnvDuration("METRIC_SYNC_INTERVAL", 15*time.Minute),
		InsightSyncInterval:  getEnvDuration("INSIGHT_SYNC_INTERVAL", 30*time.Minute),
		SchedulerEnabled:     getEnvBool("SCHEDULER_ENABLED", true),

		MetricsLookback:  getEnvDuration("METRICS_LOOKBACK", 24*time.Hour),
		CostLookbackDays: getEnvInt("COST_LOOKBACK_DAYS", 2),

		AnomalyInfoPercent:     getEnvFloat("ANOMALY_INFO_PERCENT", 10),
		AnomalyWarningPercent:  getEnvFloat("ANOMALY_WARNING_PERCENT", 20),
		AnomalyCriticalPercent: getEnvFloat("ANOMALY_CRITICAL_PERCENT", 50),
		AnomalyBaselineDays:    getEnvInt("ANOMALY_BASELINE_DAYS", 30),
		AnomalyMinHistoryDays:  getEnvInt("ANOMALY_MIN_HISTORY_DAYS", 7),

		IdleUtilizationPercent: getEnvFloat("IDLE_UTILIZATION_PERCENT", 5),
		IdleMinDays:            getEnvInt("IDLE_MIN_DAYS", 14),
		IdleLookbackDays:       getEnvInt("IDLE_LOOKBACK_DAYS", 30),

		ReplicationLagThreshold: getEnvDuration("REPLICATION_LAG_THRESHOLD", 10*time.Second),
		HealthWeightPerformance: getEnvFloat("HEALTH_WEIGHT_PERFORMANCE", 0.5),
		HealthWeightWaits:       getEnvFloat("HEALTH_WEIGHT_WAITS", 0.3),
		HealthWeightReplication: getEnvFloat("HEALTH_WEIGHT_REPLICATION", 0.2),
	}

	return cfg, nil
}

// getEnv returns environment variable or default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
