package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not queued or active
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask is returned when a task descriptor fails validation
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidPriority is returned when an invalid priority is specified
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrDependencyUnresolved is returned when a dependency has not completed yet
	ErrDependencyUnresolved = errors.New("task dependency not completed")

	// ErrDuplicateTask is returned when a duplicate task is submitted
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskNotActive is returned when an operation needs an active task
	ErrTaskNotActive = errors.New("task is not active")
)
