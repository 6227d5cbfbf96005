package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
)

const archiveTimeout = 5 * time.Second

// queuedTask carries heap bookkeeping for a task
type queuedTask struct {
	task  *model.Task
	seq   uint64
	index int
}

// TaskQueue implements a priority queue for one tier, ordered by creation time
// and then by submission order
type TaskQueue struct {
	items []*queuedTask
}

// Len returns the length of the queue
func (q *TaskQueue) Len() int {
	return len(q.items)
}

// Less compares two tasks by their creation time
func (q *TaskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

// Swap swaps two tasks in the queue
func (q *TaskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// Push adds a task to the queue
func (q *TaskQueue) Push(x interface{}) {
	item := x.(*queuedTask)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

// Pop removes and returns the last task of the backing slice
func (q *TaskQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	if n == 0 {
		return nil
	}
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[0 : n-1]
	return item
}

// Peek returns the earliest task without removing it
func (q *TaskQueue) Peek() *queuedTask {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// TaskScheduler admits tasks into per-priority queues and hands out the next
// dispatchable one. Dispatch is strict priority across tiers and FIFO within a
// tier; a tier whose head is blocked by its circuit breaker or by missing
// resources is skipped, not drained.
type TaskScheduler struct {
	logger   *zap.Logger
	config   Config
	breakers BreakerChecker
	reserver Reserver
	archiver Archiver
	deps     *DependencyManager
	recorder telemetry.Recorder
	validate *validator.Validate

	mu      sync.Mutex
	queues  map[model.TaskPriority]*TaskQueue
	queued  map[string]*queuedTask
	active  map[string]*queuedTask
	history []*model.Task
	next    int
	seq     uint64
	counts  map[model.TaskStatus]int
	now     func() time.Time
}

// NewTaskScheduler creates a new task scheduler. reserver may be nil, in which
// case resource requirements are not reserved at dispatch.
func NewTaskScheduler(config Config, breakers BreakerChecker, reserver Reserver, logger *zap.Logger) *TaskScheduler {
	defaults := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if config.CompletedCapacity <= 0 {
		config.CompletedCapacity = defaults.CompletedCapacity
	}

	s := &TaskScheduler{
		logger:   logger.Named("task-scheduler"),
		config:   config,
		breakers: breakers,
		reserver: reserver,
		deps:     NewDependencyManager(config.CompletedCapacity, logger),
		recorder: telemetry.Nop{},
		validate: validator.New(),
		queues:   make(map[model.TaskPriority]*TaskQueue),
		queued:   make(map[string]*queuedTask),
		active:   make(map[string]*queuedTask),
		counts:   make(map[model.TaskStatus]int),
		now:      time.Now,
	}

	// Initialize queues for each priority level
	for _, p := range model.Priorities() {
		q := &TaskQueue{}
		heap.Init(q)
		s.queues[p] = q
	}

	return s
}

// SetArchiver sets where finished tasks go once evicted from history
func (s *TaskScheduler) SetArchiver(archiver Archiver) {
	s.archiver = archiver
}

// SetRecorder sets the telemetry recorder
func (s *TaskScheduler) SetRecorder(recorder telemetry.Recorder) {
	if recorder != nil {
		s.recorder = recorder
	}
}

// AddTask validates a task and queues it. Tasks that reference a dependency
// which has not completed are rejected without side effects.
func (s *TaskScheduler) AddTask(task *model.Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}

	t := task.Clone()
	if err := s.validate.Struct(t); err != nil {
		s.logger.Warn("Task rejected",
			zap.String("task_id", t.ID),
			zap.String("reason", "validation"),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if !t.Priority.Valid() {
		s.logger.Warn("Task rejected",
			zap.String("task_id", t.ID),
			zap.Int("priority", int(t.Priority)))
		return ErrInvalidPriority
	}

	if s.reserver != nil && len(t.Resources) > 0 {
		if err := s.reserver.Fundable(t.Resources, t.Priority); err != nil {
			s.logger.Warn("Task rejected",
				zap.String("task_id", t.ID),
				zap.String("reason", "unfundable"),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
	}

	if missing := s.deps.Unresolved(t.Dependencies); len(missing) > 0 {
		s.logger.Info("Task rejected",
			zap.String("task_id", t.ID),
			zap.String("reason", "dependency_unresolved"),
			zap.Strings("missing", missing))
		return fmt.Errorf("%w: %s", ErrDependencyUnresolved, strings.Join(missing, ", "))
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = model.TaskStatusQueued
	t.CancelRequested = false
	t.DispatchedAt = nil
	t.CompletedAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known(t.ID) || s.deps.IsCompleted(t.ID) {
		s.logger.Warn("Task rejected",
			zap.String("task_id", t.ID),
			zap.String("reason", "duplicate"))
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	s.seq++
	item := &queuedTask{task: t, seq: s.seq}
	queue := s.queues[t.Priority]
	heap.Push(queue, item)
	s.queued[t.ID] = item
	s.recorder.QueueDepth(t.Priority.String(), queue.Len())

	s.logger.Info("Task queued",
		zap.String("task_id", t.ID),
		zap.String("type", t.Type),
		zap.String("priority", t.Priority.String()),
		zap.Int("queue_length", queue.Len()))

	return nil
}

// GetNextTask pops the earliest task of the highest tier whose head may run.
// It returns nil when no task is dispatchable; callers should back off.
func (s *TaskScheduler) GetNextTask() *model.Task {
	var (
		dispatched *model.Task
		evicted    []*model.Task
	)

	s.mu.Lock()
	now := s.now()

scan:
	for _, priority := range model.Priorities() {
		queue := s.queues[priority]
		for queue.Len() > 0 {
			head := queue.Peek()
			task := head.task

			// Expired tasks fail in place and the tier is checked again
			if task.Deadline != nil && now.After(*task.Deadline) {
				heap.Pop(queue)
				delete(s.queued, task.ID)
				task.Status = model.TaskStatusFailed
				task.ErrorMessage = "deadline exceeded before dispatch"
				task.CompletedAt = &now
				s.counts[model.TaskStatusFailed]++
				if e := s.record(task); e != nil {
					evicted = append(evicted, e)
				}
				s.logger.Warn("Task expired in queue",
					zap.String("task_id", task.ID),
					zap.Time("deadline", *task.Deadline))
				continue
			}

			if !s.breakers.CanExecute(task.Type) {
				s.logger.Debug("Tier head skipped",
					zap.String("task_id", task.ID),
					zap.String("type", task.Type),
					zap.String("reason", "circuit_open"))
				break
			}

			if s.reserver != nil && len(task.Resources) > 0 {
				if err := s.reserver.Allocate(task.ID, task.Resources, task.Priority); err != nil {
					// A head that can never be funded fails so the rest of its tier can run
					if ferr := s.reserver.Fundable(task.Resources, task.Priority); ferr != nil {
						heap.Pop(queue)
						delete(s.queued, task.ID)
						task.Status = model.TaskStatusFailed
						task.ErrorMessage = ferr.Error()
						task.CompletedAt = &now
						s.counts[model.TaskStatusFailed]++
						if e := s.record(task); e != nil {
							evicted = append(evicted, e)
						}
						s.recorder.QueueDepth(priority.String(), queue.Len())
						s.logger.Warn("Task failed in queue",
							zap.String("task_id", task.ID),
							zap.String("reason", "unfundable"),
							zap.Error(ferr))
						continue
					}
					s.logger.Debug("Tier head skipped",
						zap.String("task_id", task.ID),
						zap.String("reason", "resources"),
						zap.Error(err))
					break
				}
			}

			heap.Pop(queue)
			delete(s.queued, task.ID)
			task.Status = model.TaskStatusActive
			task.DispatchedAt = &now
			s.active[task.ID] = head
			s.recorder.QueueDepth(priority.String(), queue.Len())

			s.logger.Info("Task dispatched",
				zap.String("task_id", task.ID),
				zap.String("type", task.Type),
				zap.String("priority", priority.String()),
				zap.Duration("queued_for", now.Sub(task.CreatedAt)))

			dispatched = task.Clone()
			break scan
		}
	}
	s.mu.Unlock()

	s.archive(evicted)
	return dispatched
}

// CompleteTask moves an active task into history and feeds its outcome to the
// task type's circuit breaker
func (s *TaskScheduler) CompleteTask(taskID string, success bool, errMsg string) error {
	s.mu.Lock()
	item, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("Completion for unknown task",
			zap.String("task_id", taskID),
			zap.Bool("success", success))
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	delete(s.active, taskID)
	task := item.task
	now := s.now()
	task.CompletedAt = &now
	if success {
		task.Status = model.TaskStatusCompleted
	} else {
		task.Status = model.TaskStatusFailed
		task.ErrorMessage = errMsg
	}
	s.counts[task.Status]++
	evicted := s.record(task)
	s.mu.Unlock()

	if s.reserver != nil && len(task.Resources) > 0 {
		s.reserver.Release(taskID)
	}

	if success {
		s.deps.MarkCompleted(taskID)
		s.breakers.RecordSuccess(task.Type)
	} else {
		s.breakers.RecordFailure(task.Type)
	}
	s.recorder.TaskFinished(task.Type, string(task.Status))

	s.logger.Info("Task finished",
		zap.String("task_id", taskID),
		zap.String("type", task.Type),
		zap.String("status", string(task.Status)),
		zap.String("error", errMsg))

	if evicted != nil {
		s.archive([]*model.Task{evicted})
	}
	return nil
}

// CancelTask removes a queued task, or flags an active one so its executor can
// stop cooperatively
func (s *TaskScheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.queued[taskID]; ok {
		queue := s.queues[item.task.Priority]
		heap.Remove(queue, item.index)
		delete(s.queued, taskID)
		item.task.Status = model.TaskStatusCanceled
		s.counts[model.TaskStatusCanceled]++
		s.recorder.QueueDepth(item.task.Priority.String(), queue.Len())

		s.logger.Info("Queued task canceled", zap.String("task_id", taskID))
		return nil
	}

	if item, ok := s.active[taskID]; ok {
		item.task.CancelRequested = true
		s.logger.Info("Cancellation requested for active task", zap.String("task_id", taskID))
		return nil
	}

	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Requeue returns an active task to its original place in its tier, releasing its
// reservation. Used when a task could not be handed to an executor.
func (s *TaskScheduler) Requeue(taskID string) error {
	s.mu.Lock()
	item, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotActive, taskID)
	}

	delete(s.active, taskID)
	item.task.Status = model.TaskStatusQueued
	item.task.DispatchedAt = nil
	queue := s.queues[item.task.Priority]
	heap.Push(queue, item)
	s.queued[taskID] = item
	s.recorder.QueueDepth(item.task.Priority.String(), queue.Len())
	s.mu.Unlock()

	if s.reserver != nil && len(item.task.Resources) > 0 {
		s.reserver.Release(taskID)
	}

	s.logger.Info("Task requeued", zap.String("task_id", taskID))
	return nil
}

// GetTask returns a copy of a queued, active or recently finished task
func (s *TaskScheduler) GetTask(taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.queued[taskID]; ok {
		return item.task.Clone(), nil
	}
	if item, ok := s.active[taskID]; ok {
		return item.task.Clone(), nil
	}
	for _, t := range s.history {
		if t.ID == taskID {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// QueueStatus returns per-tier queue depth and outcome totals
func (s *TaskScheduler) QueueStatus() model.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.QueueStatus{
		Queued:    make(map[string]int, len(s.queues)),
		Active:    len(s.active),
		Completed: s.counts[model.TaskStatusCompleted],
		Failed:    s.counts[model.TaskStatusFailed],
		Canceled:  s.counts[model.TaskStatusCanceled],
	}
	for p, q := range s.queues {
		status.Queued[p.String()] = q.Len()
	}
	return status
}

// History returns finished tasks still held in memory, oldest first
func (s *TaskScheduler) History() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Task, 0, len(s.history))
	for i := 0; i < len(s.history); i++ {
		t := s.history[(s.next+i)%len(s.history)]
		out = append(out, t.Clone())
	}
	return out
}

// known reports whether a task ID is queued or active
func (s *TaskScheduler) known(taskID string) bool {
	if _, ok := s.queued[taskID]; ok {
		return true
	}
	_, ok := s.active[taskID]
	return ok
}

// record appends a finished task to the history ring and returns the entry it
// displaced, if any
func (s *TaskScheduler) record(task *model.Task) *model.Task {
	if len(s.history) < s.config.HistorySize {
		s.history = append(s.history, task)
		return nil
	}
	evicted := s.history[s.next]
	s.history[s.next] = task
	s.next = (s.next + 1) % len(s.history)
	return evicted
}

// archive hands evicted history entries to the archiver
func (s *TaskScheduler) archive(tasks []*model.Task) {
	if s.archiver == nil || len(tasks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	for _, t := range tasks {
		if err := s.archiver.Archive(ctx, t); err != nil {
			s.logger.Error("Failed to archive task",
				zap.String("task_id", t.ID),
				zap.Error(err))
		}
	}
}
