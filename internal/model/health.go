package model

import "time"

// HealthMetric is a single timestamped sample reported by a managed process
type HealthMetric struct {
	Agent     string    `json:"agent"`
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the self-reported status carried by a health report
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)
