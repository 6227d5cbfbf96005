package model

import "time"

// AgentStatus represents the status of a registered agent
type AgentStatus string

const (
	AgentStatusHealthy   AgentStatus = "healthy"
	AgentStatusUnhealthy AgentStatus = "unhealthy"
	AgentStatusOffline   AgentStatus = "offline"
)

// Agent represents a registered worker process
type Agent struct {
	Name           string       `json:"name"`
	Endpoint       string       `json:"endpoint"`
	HealthEndpoint string       `json:"health_endpoint"`
	Status         AgentStatus  `json:"status"`
	LastReport     HealthStatus `json:"last_report,omitempty"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	RegisteredAt   time.Time    `json:"registered_at"`
}
