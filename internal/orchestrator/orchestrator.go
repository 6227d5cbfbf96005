package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/fleet-orchestrator/internal/lifecycle"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/recovery"
	"github.com/t77yq/fleet-orchestrator/internal/resource"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
)

// Dispatcher hands a dispatched task to whatever executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.Task) error
}

// NopDispatcher accepts every task and leaves completion to complete_task
type NopDispatcher struct{}

// Dispatch does nothing
func (NopDispatcher) Dispatch(context.Context, *model.Task) error { return nil }

// Retainer prunes archived history older than a cutoff
type Retainer interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Config defines the orchestrator's loops
type Config struct {
	AnalysisInterval  time.Duration
	BroadcastInterval time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// RetentionSchedule is a cron spec for pruning archived history
	RetentionSchedule string
	Retention         time.Duration
	// AlertBuffer bounds analysis cycles waiting for the recovery worker
	AlertBuffer int
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() Config {
	return Config{
		AnalysisInterval:  5 * time.Second,
		BroadcastInterval: 5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		RetentionSchedule: "@daily",
		Retention:         7 * 24 * time.Hour,
		AlertBuffer:       4,
	}
}

// Components are the state holders the orchestrator composes. Collector,
// Dispatcher and Retainer are optional.
type Components struct {
	Scheduler   *scheduler.TaskScheduler
	Breakers    *scheduler.BreakerRegistry
	Allocator   *resource.Allocator
	Analyzer    *monitor.PredictiveAnalyzer
	Lifecycle   *lifecycle.Controller
	Recovery    *recovery.Manager
	Broadcaster *monitor.Broadcaster
	Collector   *monitor.MetricsCollector
	Dispatcher  Dispatcher
	Retainer    Retainer
}

// Orchestrator exposes the action contract and owns the background loops
type Orchestrator struct {
	logger   *zap.Logger
	config   Config
	validate *validator.Validate
	backoff  scheduler.RetryStrategy

	scheduler   *scheduler.TaskScheduler
	breakers    *scheduler.BreakerRegistry
	allocator   *resource.Allocator
	analyzer    *monitor.PredictiveAnalyzer
	lifecycle   *lifecycle.Controller
	recovery    *recovery.Manager
	broadcaster *monitor.Broadcaster
	collector   *monitor.MetricsCollector
	dispatcher  Dispatcher
	retainer    Retainer
	agents      *AgentRegistry

	alerts chan []model.PredictiveAlert
	wake   chan struct{}
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// New creates an orchestrator over already constructed components
func New(config Config, c Components, logger *zap.Logger) (*Orchestrator, error) {
	if c.Scheduler == nil || c.Breakers == nil || c.Allocator == nil || c.Analyzer == nil ||
		c.Lifecycle == nil || c.Recovery == nil || c.Broadcaster == nil {
		return nil, errors.New("orchestrator: missing required component")
	}

	defaults := DefaultConfig()
	if config.AnalysisInterval <= 0 {
		config.AnalysisInterval = defaults.AnalysisInterval
	}
	if config.BroadcastInterval <= 0 {
		config.BroadcastInterval = defaults.BroadcastInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.RetentionSchedule == "" {
		config.RetentionSchedule = defaults.RetentionSchedule
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.AlertBuffer <= 0 {
		config.AlertBuffer = defaults.AlertBuffer
	}
	if c.Dispatcher == nil {
		c.Dispatcher = NopDispatcher{}
	}

	return &Orchestrator{
		logger:      logger.Named("orchestrator"),
		config:      config,
		validate:    validator.New(),
		backoff:     scheduler.DefaultIdleBackoff(),
		scheduler:   c.Scheduler,
		breakers:    c.Breakers,
		allocator:   c.Allocator,
		analyzer:    c.Analyzer,
		lifecycle:   c.Lifecycle,
		recovery:    c.Recovery,
		broadcaster: c.Broadcaster,
		collector:   c.Collector,
		dispatcher:  c.Dispatcher,
		retainer:    c.Retainer,
		agents:      NewAgentRegistry(config.HeartbeatTimeout, logger),
		alerts:      make(chan []model.PredictiveAlert, config.AlertBuffer),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Broadcaster returns the status fan-out
func (o *Orchestrator) Broadcaster() *monitor.Broadcaster {
	return o.broadcaster
}

// Agents returns the agent registry
func (o *Orchestrator) Agents() *AgentRegistry {
	return o.agents
}

// HandleRaw decodes a wire action and handles it
func (o *Orchestrator) HandleRaw(ctx context.Context, action string, payload []byte) (any, error) {
	req, err := DecodeRequest(action, payload)
	if err != nil {
		o.logger.Warn("Request rejected", zap.String("action", action), zap.Error(err))
		return nil, err
	}
	return o.Handle(ctx, req)
}

// Handle executes one typed action
func (o *Orchestrator) Handle(ctx context.Context, req Request) (any, error) {
	if _, ok := req.(ScheduleTaskRequest); !ok {
		if err := validateRequest(o.validate, req); err != nil {
			o.logger.Warn("Request rejected", zap.String("action", string(req.Action())), zap.Error(err))
			return nil, err
		}
	}

	switch r := req.(type) {
	case RegisterAgentRequest:
		o.agents.Register(r.Name, r.Endpoint, r.HealthEndpoint)
		return Ack{Acknowledged: true}, nil

	case AllocateResourcesRequest:
		return o.allocate(r)

	case ReleaseResourcesRequest:
		o.allocator.Release(r.AllocationID)
		return Ack{Acknowledged: true}, nil

	case ScheduleTaskRequest:
		return o.schedule(r)

	case CompleteTaskRequest:
		if err := o.scheduler.CompleteTask(r.TaskID, r.Success, r.Error); err != nil {
			return nil, err
		}
		o.signal()
		return Ack{Acknowledged: true}, nil

	case CancelTaskRequest:
		if err := o.scheduler.CancelTask(r.TaskID); err != nil {
			return nil, err
		}
		return Ack{Acknowledged: true}, nil

	case GetResourceStatusRequest:
		return o.allocator.Status(), nil

	case GetQueueStatusRequest:
		return o.scheduler.QueueStatus(), nil

	case ReportHealthRequest:
		if err := o.reportHealth(ctx, r); err != nil {
			return nil, err
		}
		return Ack{Acknowledged: true}, nil

	case TriggerRecoveryRequest:
		return o.triggerRecovery(ctx, r)

	case GetAlertsRequest:
		return o.analyzer.ActiveAlerts(), nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnknownAction, req)
}

func (o *Orchestrator) allocate(r AllocateResourcesRequest) (any, error) {
	err := o.allocator.Reserve(resource.Request{
		ID:        r.AllocationID,
		Owner:     r.Owner,
		Resources: r.Resources,
		Priority:  r.Priority,
		TTL:       time.Duration(r.TTL),
	})
	switch {
	case err == nil:
		return AllocateResponse{Granted: true}, nil
	case errors.Is(err, resource.ErrInsufficientCapacity), errors.Is(err, resource.ErrVRAMTierCap):
		return AllocateResponse{Granted: false, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

func (o *Orchestrator) schedule(r ScheduleTaskRequest) (any, error) {
	task := r.Task
	err := o.scheduler.AddTask(&task)
	switch {
	case err == nil:
		o.signal()
		return ScheduleResponse{Accepted: true, TaskID: task.ID}, nil
	case errors.Is(err, scheduler.ErrDependencyUnresolved):
		return ScheduleResponse{Accepted: false, TaskID: task.ID, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

func (o *Orchestrator) reportHealth(ctx context.Context, r ReportHealthRequest) error {
	status := r.Status
	if status == "" {
		status = model.HealthStatusHealthy
	}
	if err := o.agents.Heartbeat(r.AgentName, status); err != nil {
		o.logger.Warn("Health report rejected", zap.String("agent", r.AgentName), zap.Error(err))
		return err
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	for metricType, value := range r.Metrics {
		err := o.analyzer.Record(model.HealthMetric{
			Agent:     r.AgentName,
			Type:      metricType,
			Value:     value,
			Timestamp: ts,
		})
		if err != nil {
			o.logger.Warn("Health sample dropped",
				zap.String("agent", r.AgentName),
				zap.String("metric", metricType),
				zap.Error(err))
		}
	}

	switch status {
	case model.HealthStatusUnhealthy:
		o.recovery.HandleHealthFailure(ctx, r.AgentName)
	case model.HealthStatusHealthy:
		o.recovery.RecordHealthy(r.AgentName)
	}
	return nil
}

func (o *Orchestrator) triggerRecovery(ctx context.Context, r TriggerRecoveryRequest) (any, error) {
	tier := r.Tier
	if tier == 0 {
		tier = model.TierRestart
	}
	if tier != model.TierFleetRestart && r.AgentName == "" {
		return nil, fmt.Errorf("%w: agent_name is required for tier %d", ErrInvalidRequest, tier)
	}

	result, err := o.recovery.Recover(ctx, r.AgentName, tier)
	switch {
	case err == nil:
		return RecoveryResponse{Success: true, Result: &result}, nil
	case errors.Is(err, recovery.ErrRecoveryAborted):
		return RecoveryResponse{Success: false, Result: &result, Reason: err.Error()}, nil
	case errors.Is(err, recovery.ErrRecoveryInProgress):
		return RecoveryResponse{Success: false, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

// Snapshot aggregates the status pushed to broadcast subscribers
func (o *Orchestrator) Snapshot() model.StatusSnapshot {
	snap := model.StatusSnapshot{
		Timestamp: time.Now(),
		Resources: o.allocator.Status(),
		Queue:     o.scheduler.QueueStatus(),
		Alerts:    o.analyzer.ActiveAlerts(),
		Breakers:  o.breakers.Snapshot(),
		Agents:    o.agents.List(),
	}
	if o.collector != nil {
		snap.Host = o.collector.Latest()
	}
	return snap
}

// Run starts every loop and blocks until ctx is canceled or a loop fails
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting orchestrator",
		zap.Duration("analysis_interval", o.config.AnalysisInterval),
		zap.Duration("broadcast_interval", o.config.BroadcastInterval))

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(&cronLogger{logger: o.logger.Named("cron")}),
		cron.WithChain(cron.Recover(&cronLogger{logger: o.logger.Named("cron")})),
	)
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"analysis", every(o.config.AnalysisInterval), o.runAnalysis},
		{"broadcast", every(o.config.BroadcastInterval), o.runBroadcast},
		{"heartbeat", every(o.config.HeartbeatInterval), func() { o.runHeartbeatCheck(ctx) }},
		{"retention", o.config.RetentionSchedule, func() { o.runRetention(ctx) }},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if o.collector != nil {
		if err := o.collector.Start(gctx); err != nil {
			return fmt.Errorf("failed to start metrics collector: %w", err)
		}
	}

	g.Go(func() error {
		o.dispatchLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return o.recovery.Run(gctx, o.alerts)
	})
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	err := g.Wait()
	o.recovery.Wait()
	if o.collector != nil {
		o.collector.Stop()
	}
	o.broadcaster.Close()

	o.logger.Info("Orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// signal wakes the dispatch loop without blocking
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop hands runnable tasks to the dispatcher, backing off while none is runnable
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	attempt := 0
	for {
		task := o.scheduler.GetNextTask()
		if task == nil {
			delay := o.backoff.NextRetry(attempt)
			attempt++
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-o.wake:
				timer.Stop()
				attempt = 0
			case <-timer.C:
			}
			continue
		}
		attempt = 0

		if err := o.dispatcher.Dispatch(ctx, task); err != nil {
			o.logger.Error("Dispatch failed, requeueing",
				zap.String("task_id", task.ID),
				zap.Error(err))
			if rerr := o.scheduler.Requeue(task.ID); rerr != nil {
				o.logger.Error("Failed to requeue task", zap.String("task_id", task.ID), zap.Error(rerr))
			}

			// Give the transport time to recover before retrying the same head
			timer := time.NewTimer(o.backoff.NextRetry(1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (o *Orchestrator) runAnalysis() {
	alerts := o.analyzer.RunPredictiveAnalysis()
	if len(alerts) == 0 {
		return
	}
	select {
	case o.alerts <- alerts:
	default:
		o.logger.Warn("Recovery worker busy, analysis cycle dropped", zap.Int("alerts", len(alerts)))
	}
}

func (o *Orchestrator) runBroadcast() {
	o.broadcaster.Publish(o.Snapshot())
}

func (o *Orchestrator) runHeartbeatCheck(ctx context.Context) {
	for _, agent := range o.agents.CheckHealth() {
		o.recovery.HandleHealthFailure(ctx, agent)
	}
	if expired := o.allocator.ExpireStale(); len(expired) > 0 {
		o.logger.Info("Expired allocations released", zap.Strings("allocation_ids", expired))
	}
}

func (o *Orchestrator) runRetention(ctx context.Context) {
	if o.retainer == nil {
		return
	}
	cutoff := time.Now().Add(-o.config.Retention)
	n, err := o.retainer.Prune(ctx, cutoff)
	if err != nil {
		o.logger.Error("Failed to prune task history", zap.Error(err))
		return
	}
	o.logger.Info("Task history pruned", zap.Int64("deleted", n), zap.Time("before", cutoff))
}
