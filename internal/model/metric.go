package model

import "time"

// MetricSample is one point of a resource metric time series. Unique key:
// (resource_id, metric_name, ts, aggregation).
type MetricSample struct {
	ResourceID  string    `json:"resource_id"`
	MetricName  string    `json:"metric_name"`
	Timestamp   time.Time `json:"timestamp"`
	Aggregation string    `json:"aggregation"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
}

// DailyUtilization is a per-day average of a utilization metric, used by the
// idle detector.
type DailyUtilization struct {
	Day     time.Time `json:"day"`
	Average float64   `json:"average"`
}
