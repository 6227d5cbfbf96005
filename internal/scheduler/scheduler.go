package scheduler

import (
	"context"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Reserver reserves resources for a dispatched task. The resource allocator
// satisfies it; allocation IDs are task IDs.
type Reserver interface {
	// Allocate reserves every requested kind or none of them
	Allocate(allocationID string, resources map[string]float64, priority model.TaskPriority) error

	// Fundable fails when the request could never be granted, whatever is released
	Fundable(resources map[string]float64, priority model.TaskPriority) error

	// Release frees a reservation; unknown IDs are ignored
	Release(allocationID string)
}

// Archiver receives finished tasks once they fall out of the in-memory history
type Archiver interface {
	Archive(ctx context.Context, task *model.Task) error
}

// BreakerChecker gates dispatch by task type
type BreakerChecker interface {
	CanExecute(taskType string) bool
	RecordSuccess(taskType string)
	RecordFailure(taskType string)
}

// Config defines configuration for the task scheduler
type Config struct {
	// HistorySize bounds the ring buffer of finished tasks
	HistorySize int
	// CompletedCapacity bounds the set of completed IDs used for dependency checks
	CompletedCapacity int
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		HistorySize:       1000,
		CompletedCapacity: defaultCompletedCapacity,
	}
}
