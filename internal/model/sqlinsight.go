package model

import "time"

// SqlPerformanceStat is one sampled snapshot of a SQL database's load.
// Unique key: (resource_id, ts).
type SqlPerformanceStat struct {
	ResourceID          string    `json:"resource_id"`
	Timestamp           time.Time `json:"timestamp"`
	CPUPercent          float64   `json:"cpu_percent"`
	DTUPercent          float64   `json:"dtu_percent"`
	StoragePercent      float64   `json:"storage_percent"`
	DeadlockCount       int       `json:"deadlock_count"`
	BlockedProcessCount int       `json:"blocked_process_count"`
}

// WaitStat records time spent waiting on one wait type during a capture
// window. Unique key: (resource_id, wait_type, captured_at).
type WaitStat struct {
	ResourceID   string    `json:"resource_id"`
	WaitType     string    `json:"wait_type"`
	CapturedAt   time.Time `json:"captured_at"`
	WaitTimeMs   float64   `json:"wait_time_ms"`
	WaitCount    int64     `json:"wait_count"`
	AvgWaitMs    float64   `json:"avg_wait_ms"`
}

// ReplicationLink is one observation of a geo-replication partner's state,
// retained as a time series per (resource, partner).
type ReplicationLink struct {
	ResourceID       string    `json:"resource_id"`
	PartnerServer    string    `json:"partner_server"`
	State            string    `json:"state"`
	LagSeconds       float64   `json:"lag_seconds"`
	LastReplicatedAt time.Time `json:"last_replicated_at"`
	CapturedAt       time.Time `json:"captured_at"`
}
