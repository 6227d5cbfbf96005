package model

import "time"

// HostStats is a sample of the control-plane host's utilization, in percent
type HostStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatusSnapshot is the aggregated status pushed to broadcast subscribers
type StatusSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Resources ResourceStatus    `json:"resources"`
	Queue     QueueStatus       `json:"queue"`
	Alerts    []PredictiveAlert `json:"alerts"`
	Breakers  []BreakerSnapshot `json:"breakers,omitempty"`
	Agents    []Agent           `json:"agents,omitempty"`
	Host      *HostStats        `json:"host,omitempty"`
}
