package scheduler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
)

// BreakerConfig configures every breaker in a registry
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects before probing
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker thresholds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

type circuitBreaker struct {
	state       model.BreakerState
	failures    int
	lastFailure time.Time
}

// BreakerRegistry holds one circuit breaker per task type. Breakers are created
// on first use; an unknown type is treated as closed.
type BreakerRegistry struct {
	logger   *zap.Logger
	config   BreakerConfig
	recorder telemetry.Recorder
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	now      func() time.Time
}

// NewBreakerRegistry creates a new breaker registry
func NewBreakerRegistry(config BreakerConfig, recorder telemetry.Recorder, logger *zap.Logger) *BreakerRegistry {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if recorder == nil {
		recorder = telemetry.Nop{}
	}

	return &BreakerRegistry{
		logger:   logger.Named("circuit-breaker"),
		config:   config,
		recorder: recorder,
		breakers: make(map[string]*circuitBreaker),
		now:      time.Now,
	}
}

// CanExecute reports whether tasks of the given type may be dispatched. An open
// breaker moves to half-open here once the recovery timeout has elapsed.
func (r *BreakerRegistry) CanExecute(taskType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[taskType]
	if !ok {
		return true
	}

	switch cb.state {
	case model.BreakerOpen:
		if r.now().Sub(cb.lastFailure) > r.config.RecoveryTimeout {
			r.transition(taskType, cb, model.BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears its failure count
func (r *BreakerRegistry) RecordSuccess(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.breaker(taskType)
	cb.failures = 0
	if cb.state != model.BreakerClosed {
		r.transition(taskType, cb, model.BreakerClosed)
	}
}

// RecordFailure counts a failure. Reaching the threshold opens the breaker; any
// failure past it restarts the recovery window.
func (r *BreakerRegistry) RecordFailure(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.breaker(taskType)
	cb.failures++
	cb.lastFailure = r.now()

	if cb.failures < r.config.FailureThreshold {
		return
	}

	if cb.state != model.BreakerOpen {
		r.transition(taskType, cb, model.BreakerOpen)
		return
	}

	r.logger.Debug("Recovery window restarted",
		zap.String("task_type", taskType),
		zap.Int("failures", cb.failures))
}

// State returns the current state of a task type's breaker
func (r *BreakerRegistry) State(taskType string) model.BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb.state
	}
	return model.BreakerClosed
}

// Snapshot returns every known breaker sorted by task type
func (r *BreakerRegistry) Snapshot() []model.BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.BreakerSnapshot, 0, len(r.breakers))
	for taskType, cb := range r.breakers {
		out = append(out, model.BreakerSnapshot{
			TaskType:        taskType,
			State:           cb.state,
			Failures:        cb.failures,
			LastFailureTime: cb.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}

func (r *BreakerRegistry) breaker(taskType string) *circuitBreaker {
	cb, ok := r.breakers[taskType]
	if !ok {
		cb = &circuitBreaker{state: model.BreakerClosed}
		r.breakers[taskType] = cb
	}
	return cb
}

func (r *BreakerRegistry) transition(taskType string, cb *circuitBreaker, to model.BreakerState) {
	from := cb.state
	cb.state = to
	r.recorder.BreakerState(taskType, to)

	fields := []zap.Field{
		zap.String("task_type", taskType),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("failures", cb.failures),
	}
	if to == model.BreakerOpen {
		r.logger.Warn("Circuit opened", fields...)
		return
	}
	r.logger.Info("Circuit state changed", fields...)
}
