package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// TaskPriority represents the priority tier of a task
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// Priorities returns every tier in dispatch order, highest first.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// Valid reports whether p is one of the four known tiers
func (p TaskPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String returns the upper-case tier name
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority parses a tier name, case-insensitively
func ParsePriority(s string) (TaskPriority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "LOW":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the tier by name
func (p TaskPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a tier name
func (p *TaskPriority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalJSON accepts a tier name or its number
func (p *TaskPriority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = TaskPriority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a name or number: %w", err)
	}
	return p.UnmarshalText([]byte(s))
}

// Task represents a unit of work submitted for scheduling
type Task struct {
	ID                string             `json:"id" validate:"required"`
	Type              string             `json:"type" validate:"required"`
	Priority          TaskPriority       `json:"priority"`
	Resources         map[string]float64 `json:"resources,omitempty" validate:"omitempty,dive,gt=0"`
	EstimatedDuration time.Duration      `json:"estimated_duration,omitempty" validate:"min=0"`
	Dependencies      []string           `json:"dependencies,omitempty" validate:"omitempty,dive,required"`
	Metadata          map[string]string  `json:"metadata,omitempty"`

	// Timing fields
	CreatedAt    time.Time  `json:"created_at"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Scheduler-owned state
	Status          TaskStatus `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Clone returns a copy that shares no mutable state with t
func (t *Task) Clone() *Task {
	c := *t
	if t.Resources != nil {
		c.Resources = make(map[string]float64, len(t.Resources))
		for k, v := range t.Resources {
			c.Resources[k] = v
		}
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// QueueStatus summarizes the scheduler's queues and history
type QueueStatus struct {
	Queued    map[string]int `json:"queued"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Canceled  int            `json:"canceled"`
}

// TaskResult is reported by an external executor once a dispatched task finishes
type TaskResult struct {
	TaskID      string    `json:"task_id" validate:"required"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
