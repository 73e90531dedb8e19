package model

import "time"

type ScoreType string

const (
	ScoreTypeHealth       ScoreType = "health"
	ScoreTypeOptimization ScoreType = "optimization"
)

// DerivedScore is the latest computed health or optimization score for a
// resource. Overwritten on every calculation run, never appended.
type DerivedScore struct {
	ResourceID string    `json:"resource_id"`
	TenantID   string    `json:"tenant_id"`
	ScoreType  ScoreType `json:"score_type"`
	Score      float64   `json:"score"`
	Factors    Factors   `json:"factors"`
	ComputedAt time.Time `json:"computed_at"`
}

// Grade maps a 0-100 score onto the A-F fleet summary scale.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

type IdleFlagStatus string

const (
	IdleFlagOpen     IdleFlagStatus = "open"
	IdleFlagIgnored  IdleFlagStatus = "ignored"
	IdleFlagActioned IdleFlagStatus = "actioned"
	IdleFlagResolved IdleFlagStatus = "resolved"
)

func (s IdleFlagStatus) Valid() bool {
	switch s {
	case IdleFlagOpen, IdleFlagIgnored, IdleFlagActioned, IdleFlagResolved:
		return true
	}
	return false
}

// IdleResourceFlag marks a resource whose utilization stayed below the idle
// threshold for a sustained period. The detector creates and refreshes it;
// status transitions come only from operators.
type IdleResourceFlag struct {
	ID                  string         `json:"id"`
	ResourceID          string         `json:"resource_id"`
	TenantID            string         `json:"tenant_id"`
	Reason              string         `json:"reason"`
	IdleDays            int            `json:"idle_days"`
	MonthlyCostEstimate float64        `json:"monthly_cost_estimate"`
	Status              IdleFlagStatus `json:"status"`
	IgnoredReason       string         `json:"ignored_reason,omitempty"`
	FirstDetectedAt     time.Time      `json:"first_detected_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// OptimizationSummary is the fleet-wide rollup served to dashboards.
type OptimizationSummary struct {
	TenantID     string         `json:"tenant_id"`
	AverageScore float64        `json:"average_score"`
	Grades       map[string]int `json:"grades"`
	Resources    int            `json:"resources"`
	ComputedAt   time.Time      `json:"computed_at"`
}
