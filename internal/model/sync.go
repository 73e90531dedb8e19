package model

import "time"

type SyncKind string

const (
	SyncKindResources   SyncKind = "resources"
	SyncKindCosts       SyncKind = "costs"
	SyncKindMetrics     SyncKind = "metrics"
	SyncKindSQLInsights SyncKind = "sql-insights"
)

// AllSyncKinds lists every pipeline the orchestrator schedules.
var AllSyncKinds = []SyncKind{SyncKindResources, SyncKindCosts, SyncKindMetrics, SyncKindSQLInsights}

func (k SyncKind) Valid() bool {
	switch k {
	case SyncKindResources, SyncKindCosts, SyncKindMetrics, SyncKindSQLInsights:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncLogEntry records one execution of a (tenant, kind) sync job. Rows are
// append-only except for the terminal status/count update. At most one
// running entry exists per (tenant, kind) at a time.
type SyncLogEntry struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Kind             SyncKind   `json:"kind"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Status           SyncStatus `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	WarningCount     int        `json:"warning_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}
