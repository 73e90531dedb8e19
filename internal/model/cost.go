package model

import "time"

// CostRecord is one day's spend for one meter. ResourceID is empty for
// tenant-level aggregate rows. Unique key:
// (tenant_id, resource_id, day, meter_category, meter_subcategory, meter_name).
type CostRecord struct {
	TenantID         string    `json:"tenant_id"`
	ResourceID       string    `json:"resource_id,omitempty"`
	Day              time.Time `json:"day"`
	MeterCategory    string    `json:"meter_category"`
	MeterSubcategory string    `json:"meter_subcategory"`
	MeterName        string    `json:"meter_name"`
	Cost             float64   `json:"cost"`
	Currency         string    `json:"currency"`
	UsageQuantity    float64   `json:"usage_quantity"`
}

// DailyCost is a per-day aggregate used by the anomaly and idle detectors.
type DailyCost struct {
	Day  time.Time `json:"day"`
	Cost float64   `json:"cost"`
}

type AnomalyType string

const (
	AnomalySpike AnomalyType = "spike"
	AnomalyDrop  AnomalyType = "drop"
)

type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "info"
	SeverityWarning  AnomalySeverity = "warning"
	SeverityCritical AnomalySeverity = "critical"
)

// CostAnomaly is a day whose actual spend deviated from the trailing
// baseline beyond the configured thresholds. Created unacknowledged by the
// detector; acknowledgment is the only mutation.
type CostAnomaly struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	ResourceID       string          `json:"resource_id,omitempty"`
	Date             time.Time       `json:"date"`
	ActualCost       float64         `json:"actual_cost"`
	ExpectedCost     float64         `json:"expected_cost"`
	DeviationPercent float64         `json:"deviation_percent"`
	Type             AnomalyType     `json:"type"`
	Severity         AnomalySeverity `json:"severity"`
	Acknowledged     bool            `json:"acknowledged"`
	AcknowledgedBy   string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
