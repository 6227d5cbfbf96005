package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
)

// fleetTarget is the in-flight key and result agent of a tier-4 recovery
const fleetTarget = "*"

// Lifecycle is the process control the manager drives
type Lifecycle interface {
	Restart(ctx context.Context, name string) error
	ClearState(name string) error
	Dependencies(name string) ([]string, error)
	Names() []string
	Has(name string) bool
}

// Config defines recovery policy
type Config struct {
	// HistorySize bounds the kept recovery results
	HistorySize int
	// FleetCriticalRatio is the share of managed processes with a critical alert
	// in one cycle that escalates to a fleet restart
	FleetCriticalRatio float64
}

// DefaultConfig returns the default recovery policy
func DefaultConfig() Config {
	return Config{
		HistorySize:        100,
		FleetCriticalRatio: 0.5,
	}
}

// Manager selects recovery tiers and executes them against the lifecycle controller
type Manager struct {
	logger    *zap.Logger
	config    Config
	lifecycle Lifecycle
	recorder  telemetry.Recorder

	mu       sync.Mutex
	failures map[string]int
	inflight map[string]bool
	results  []model.RecoveryResult
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates a new recovery manager
func NewManager(config Config, lifecycle Lifecycle, recorder telemetry.Recorder, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if config.FleetCriticalRatio <= 0 || config.FleetCriticalRatio > 1 {
		config.FleetCriticalRatio = defaults.FleetCriticalRatio
	}
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &Manager{
		logger:    logger.Named("recovery-manager"),
		config:    config,
		lifecycle: lifecycle,
		recorder:  recorder,
		failures:  make(map[string]int),
		inflight:  make(map[string]bool),
		now:       time.Now,
	}
}

// SelectTier maps an alert severity to a tier. Info alerts need no recovery
// and return 0.
func SelectTier(severity model.AlertSeverity) model.RecoveryTier {
	switch severity {
	case model.AlertSeverityCritical:
		return model.TierClearAndRestart
	case model.AlertSeverityWarning:
		return model.TierRestart
	default:
		return 0
	}
}

// RecordHealthFailure counts an explicit failure and returns the tier it
// warrants, escalating from tier 1 to tier 3 on consecutive failures
func (m *Manager) RecordHealthFailure(agent string) model.RecoveryTier {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[agent]++
	tier := model.RecoveryTier(m.failures[agent])
	if tier > model.TierDependencyAware {
		tier = model.TierDependencyAware
	}
	return tier
}

// RecordHealthy resets an agent's failure escalation
func (m *Manager) RecordHealthy(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, agent)
}

// FleetWide reports whether critical alerts cover enough managed processes to
// warrant restarting all of them
func (m *Manager) FleetWide(alerts []model.PredictiveAlert) bool {
	names := m.lifecycle.Names()
	if len(names) == 0 {
		return false
	}

	critical := make(map[string]bool)
	for _, alert := range alerts {
		if alert.Severity == model.AlertSeverityCritical && m.lifecycle.Has(alert.Agent) {
			critical[alert.Agent] = true
		}
	}
	return len(critical) > 0 && float64(len(critical)) >= m.config.FleetCriticalRatio*float64(len(names))
}

// Recover runs one tier for an agent. Tier 4 ignores the agent and restarts the
// whole fleet. The first failing step aborts the attempt.
func (m *Manager) Recover(ctx context.Context, agent string, tier model.RecoveryTier) (model.RecoveryResult, error) {
	if !tier.Valid() {
		return model.RecoveryResult{}, fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}

	target := agent
	if tier == model.TierFleetRestart {
		target = fleetTarget
	} else if !m.lifecycle.Has(agent) {
		m.logger.Warn("Recovery rejected",
			zap.String("agent", agent),
			zap.Int("tier", int(tier)),
			zap.String("reason", "unknown_target"))
		return model.RecoveryResult{}, fmt.Errorf("%w: %s", ErrUnknownTarget, agent)
	}

	if !m.begin(target) {
		m.logger.Info("Recovery skipped",
			zap.String("agent", target),
			zap.Int("tier", int(tier)),
			zap.String("reason", "in_progress"))
		return model.RecoveryResult{}, fmt.Errorf("%w: %s", ErrRecoveryInProgress, target)
	}
	defer m.end(target)

	result := model.RecoveryResult{
		Agent:     target,
		Tier:      tier,
		StartedAt: m.now(),
	}

	m.logger.Info("Recovery started", zap.String("agent", target), zap.Int("tier", int(tier)))

	err := m.execute(ctx, agent, tier, &result)
	result.FinishedAt = m.now()
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
		m.logger.Error("Recovery failed",
			zap.String("agent", target),
			zap.Int("tier", int(tier)),
			zap.Strings("steps", result.Steps),
			zap.Error(err))
	} else {
		m.logger.Info("Recovery succeeded",
			zap.String("agent", target),
			zap.Int("tier", int(tier)),
			zap.Strings("steps", result.Steps),
			zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
		if tier != model.TierFleetRestart {
			m.RecordHealthy(agent)
		}
	}

	m.recorder.RecoveryAttempt(tier, result.Success)
	m.appendResult(result)
	return result, err
}

// Run consumes analysis cycles until ctx is done, recovering alerted agents in
// the background. Call Wait afterwards to drain running recoveries.
func (m *Manager) Run(ctx context.Context, cycles <-chan []model.PredictiveAlert) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case alerts, ok := <-cycles:
			if !ok {
				return nil
			}
			m.HandleAlerts(ctx, alerts)
		}
	}
}

// HandleAlerts starts recoveries for one analysis cycle without waiting for them
func (m *Manager) HandleAlerts(ctx context.Context, alerts []model.PredictiveAlert) {
	if m.FleetWide(alerts) {
		m.logger.Warn("Fleet-wide critical condition", zap.Int("alerts", len(alerts)))
		m.spawn(ctx, "", model.TierFleetRestart)
		return
	}

	for _, alert := range alerts {
		tier := SelectTier(alert.Severity)
		if tier == 0 {
			continue
		}
		if !m.lifecycle.Has(alert.Agent) {
			m.logger.Debug("Alert for unmanaged agent ignored", zap.String("agent", alert.Agent))
			continue
		}
		m.spawn(ctx, alert.Agent, tier)
	}
}

// HandleHealthFailure escalates and starts a recovery for an agent that
// reported itself unhealthy or went silent
func (m *Manager) HandleHealthFailure(ctx context.Context, agent string) {
	if !m.lifecycle.Has(agent) {
		m.logger.Debug("Health failure for unmanaged agent ignored", zap.String("agent", agent))
		return
	}
	m.spawn(ctx, agent, m.RecordHealthFailure(agent))
}

// Results returns recent recovery results, oldest first
func (m *Manager) Results() []model.RecoveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.RecoveryResult, len(m.results))
	for i, r := range m.results {
		r.Steps = append([]string(nil), r.Steps...)
		out[i] = r
	}
	return out
}

// Wait blocks until background recoveries finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) spawn(ctx context.Context, agent string, tier model.RecoveryTier) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Outcome is logged and kept in Results
		_, _ = m.Recover(ctx, agent, tier)
	}()
}

func (m *Manager) execute(ctx context.Context, agent string, tier model.RecoveryTier, result *model.RecoveryResult) error {
	step := func(name string, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: before %s: %w", ErrRecoveryAborted, name, err)
		}
		if err := fn(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrRecoveryAborted, name, err)
		}
		result.Steps = append(result.Steps, name)
		return nil
	}
	restart := func(name string) error {
		return step("restart:"+name, func() error { return m.lifecycle.Restart(ctx, name) })
	}
	clearState := func(name string) error {
		return step("clear_state:"+name, func() error { return m.lifecycle.ClearState(name) })
	}

	switch tier {
	case model.TierRestart:
		return restart(agent)

	case model.TierClearAndRestart:
		if err := clearState(agent); err != nil {
			return err
		}
		return restart(agent)

	case model.TierDependencyAware:
		deps, err := m.lifecycle.Dependencies(agent)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRecoveryAborted, err)
		}
		for _, dep := range deps {
			if err := restart(dep); err != nil {
				return err
			}
		}
		if err := clearState(agent); err != nil {
			return err
		}
		return restart(agent)

	case model.TierFleetRestart:
		for _, name := range m.lifecycle.Names() {
			if err := restart(name); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
}

func (m *Manager) begin(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[target] {
		return false
	}
	m.inflight[target] = true
	return true
}

func (m *Manager) end(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, target)
}

func (m *Manager) appendResult(result model.RecoveryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results = append(m.results, result)
	if over := len(m.results) - m.config.HistorySize; over > 0 {
		m.results = append(m.results[:0:0], m.results[over:]...)
	}
}
