package model

import "time"

// Resource kinds known to the allocator
const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
	ResourceGPU    = "gpu"
	ResourceDisk   = "disk"
	ResourceVRAM   = "vram"
)

// ResourceAllocation is a committed grant of one or more resource kinds
type ResourceAllocation struct {
	ID          string             `json:"id"`
	Resources   map[string]float64 `json:"resources"`
	Owner       string             `json:"owner,omitempty"`
	Priority    TaskPriority       `json:"priority"`
	AllocatedAt time.Time          `json:"allocated_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

// PoolStatus describes one resource kind
type PoolStatus struct {
	Total       float64 `json:"total"`
	Allocated   float64 `json:"allocated"`
	Available   float64 `json:"available"`
	Utilization float64 `json:"utilization"`
}

// VRAMSnapshot describes the GPU-memory budget
type VRAMSnapshot struct {
	Total       float64            `json:"total"`
	Allocated   float64            `json:"allocated"`
	Free        float64            `json:"free"`
	Allocations map[string]float64 `json:"allocations"`
}

// ResourceStatus is a consistent view of every pool and the VRAM budget
type ResourceStatus struct {
	Pools map[string]PoolStatus `json:"pools"`
	VRAM  VRAMSnapshot          `json:"vram"`
}
