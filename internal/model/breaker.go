package model

import "time"

// BreakerState is the state of a per-task-type circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a read-only view of one breaker
type BreakerSnapshot struct {
	TaskType        string       `json:"task_type"`
	State           BreakerState `json:"state"`
	Failures        int          `json:"failures"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
}
