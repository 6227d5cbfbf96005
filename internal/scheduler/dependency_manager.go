package scheduler

import (
	"sync"

	"go.uber.org/zap"
)

const defaultCompletedCapacity = 10000

// DependencyManager tracks which task IDs have completed successfully so that
// dependent tasks can be admitted. The set is bounded; the oldest IDs are
// forgotten first.
type DependencyManager struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	capacity  int
	completed map[string]struct{}
	order     []string
}

// NewDependencyManager creates a new dependency manager
func NewDependencyManager(capacity int, logger *zap.Logger) *DependencyManager {
	if capacity <= 0 {
		capacity = defaultCompletedCapacity
	}
	return &DependencyManager{
		logger:    logger.Named("dependency-manager"),
		capacity:  capacity,
		completed: make(map[string]struct{}),
	}
}

// MarkCompleted records a successfully completed task
func (m *DependencyManager) MarkCompleted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.completed[taskID]; ok {
		return
	}
	m.completed[taskID] = struct{}{}
	m.order = append(m.order, taskID)

	for len(m.order) > m.capacity {
		evicted := m.order[0]
		m.order = m.order[1:]
		delete(m.completed, evicted)
		m.logger.Debug("Forgot completed task", zap.String("task_id", evicted))
	}
}

// IsCompleted reports whether a task completed successfully
func (m *DependencyManager) IsCompleted(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.completed[taskID]
	return ok
}

// Unresolved returns the dependencies that have not completed yet
func (m *DependencyManager) Unresolved(deps []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []string
	for _, depID := range deps {
		if _, ok := m.completed[depID]; !ok {
			missing = append(missing, depID)
		}
	}
	return missing
}

// Len returns the number of remembered completions
func (m *DependencyManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.completed)
}
