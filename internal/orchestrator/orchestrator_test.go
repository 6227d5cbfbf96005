package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/fleet-orchestrator/internal/lifecycle"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/recovery"
	"github.com/t77yq/fleet-orchestrator/internal/resource"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
)

type stubRuntime struct {
	mu      sync.Mutex
	next    int
	running map[string]bool
}

func (s *stubRuntime) Check(context.Context, model.ProcessConfig) error { return nil }

func (s *stubRuntime) Start(_ context.Context, cfg model.ProcessConfig) (lifecycle.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("%s-%d", cfg.Name, s.next)
	s.running[id] = true
	return lifecycle.Handle{ID: id, StartedAt: time.Now()}, nil
}

func (s *stubRuntime) Stop(_ context.Context, _ model.ProcessConfig, h lifecycle.Handle, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, h.ID)
	return nil
}

func (s *stubRuntime) Alive(_ context.Context, _ model.ProcessConfig, h lifecycle.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[h.ID]
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []*model.Task
	fail  int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task *model.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return errors.New("transport down")
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.tasks))
	for i, task := range d.tasks {
		ids[i] = task.ID
	}
	return ids
}

type harness struct {
	orch       *Orchestrator
	dispatcher *recordingDispatcher
	lifecycle  *lifecycle.Controller
	breakers   *scheduler.BreakerRegistry
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	breakers := scheduler.NewBreakerRegistry(scheduler.DefaultBreakerConfig(), nil, logger)
	allocator := resource.NewAllocator(resource.Config{Capacity: map[string]float64{
		model.ResourceCPU:    8,
		model.ResourceMemory: 32,
		model.ResourceGPU:    2,
		model.ResourceVRAM:   24,
	}}, nil, logger)
	sched := scheduler.NewTaskScheduler(scheduler.DefaultConfig(), breakers, allocator, logger)

	lc, err := lifecycle.NewController(lifecycle.DefaultConfig(), []model.ProcessConfig{
		{Name: "cache"},
		{Name: "llm", Dependencies: []string{"cache"}},
	}, map[model.ProcessRuntime]lifecycle.Runtime{
		model.RuntimeExec: &stubRuntime{running: make(map[string]bool)},
	}, logger)
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{}
	orch, err := New(config, Components{
		Scheduler:   sched,
		Breakers:    breakers,
		Allocator:   allocator,
		Analyzer:    monitor.NewPredictiveAnalyzer(monitor.DefaultAnalyzerConfig(), nil, logger),
		Lifecycle:   lc,
		Recovery:    recovery.NewManager(recovery.DefaultConfig(), lc, nil, logger),
		Broadcaster: monitor.NewBroadcaster(logger),
		Dispatcher:  dispatcher,
	}, logger)
	require.NoError(t, err)

	return &harness{orch: orch, dispatcher: dispatcher, lifecycle: lc, breakers: breakers}
}

func handleJSON(t *testing.T, o *Orchestrator, action string, payload string) (any, error) {
	t.Helper()
	return o.HandleRaw(context.Background(), action, []byte(payload))
}

func TestDecodeRequest(t *testing.T) {
	_, err := DecodeRequest("drop_tables", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodeRequest(string(ActionScheduleTask), []byte(`{"id":`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req, err := DecodeRequest(string(ActionAllocateResources),
		[]byte(`{"allocation_id":"a","resources":{"vram":4},"priority":"HIGH","ttl":"30s"}`))
	require.NoError(t, err)
	alloc, ok := req.(AllocateResourcesRequest)
	require.True(t, ok)
	assert.Equal(t, model.PriorityHigh, alloc.Priority)
	assert.Equal(t, 30*time.Second, time.Duration(alloc.TTL))

	req, err = DecodeRequest(string(ActionGetAlerts), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionGetAlerts, req.Action())

	// Every action in the table decodes to a request reporting the same action
	for _, action := range Actions() {
		req, err := DecodeRequest(string(action), nil)
		require.NoError(t, err)
		assert.Equal(t, action, req.Action())
	}
	assert.Len(t, Actions(), 11)
}

func TestOrchestrator_AllocateAndRelease(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	resp, err := handleJSON(t, o, "allocate_resources",
		`{"allocation_id":"big","resources":{"vram":18},"priority":"MEDIUM"}`)
	require.NoError(t, err)
	assert.False(t, resp.(AllocateResponse).Granted)
	assert.NotEmpty(t, resp.(AllocateResponse).Reason)

	resp, err = handleJSON(t, o, "allocate_resources",
		`{"allocation_id":"ok","resources":{"vram":4,"cpu":2},"priority":"HIGH"}`)
	require.NoError(t, err)
	assert.True(t, resp.(AllocateResponse).Granted)

	_, err = handleJSON(t, o, "allocate_resources",
		`{"allocation_id":"bad","resources":{"tpu":1},"priority":"HIGH"}`)
	assert.ErrorIs(t, err, resource.ErrUnknownResource)

	_, err = handleJSON(t, o, "allocate_resources", `{"resources":{"cpu":1},"priority":1}`)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	status, err := o.Handle(context.Background(), GetResourceStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, status.(model.ResourceStatus).VRAM.Allocated)

	for i := 0; i < 2; i++ {
		resp, err = handleJSON(t, o, "release_resources", `{"allocation_id":"ok"}`)
		require.NoError(t, err)
		assert.True(t, resp.(Ack).Acknowledged)
	}
	resp, err = handleJSON(t, o, "release_resources", `{"allocation_id":"never"}`)
	require.NoError(t, err)
	assert.Equal(t, Ack{Acknowledged: true}, resp)
}

func TestOrchestrator_ScheduleTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	resp, err := handleJSON(t, o, "schedule_task", `{"id":"t1","type":"inference","priority":"HIGH"}`)
	require.NoError(t, err)
	assert.Equal(t, ScheduleResponse{Accepted: true, TaskID: "t1"}, resp)

	resp, err = handleJSON(t, o, "schedule_task",
		`{"id":"t2","type":"inference","priority":"LOW","dependencies":["missing"]}`)
	require.NoError(t, err)
	assert.False(t, resp.(ScheduleResponse).Accepted)
	assert.Equal(t, "t2", resp.(ScheduleResponse).TaskID)

	_, err = handleJSON(t, o, "schedule_task", `{"type":"inference","priority":"LOW"}`)
	assert.ErrorIs(t, err, scheduler.ErrInvalidTask)

	// 18 vram is above LOW's ceiling on a 24 pool, so it could never dispatch
	_, err = handleJSON(t, o, "schedule_task",
		`{"id":"t3","type":"inference","priority":"LOW","resources":{"vram":18}}`)
	assert.ErrorIs(t, err, scheduler.ErrInvalidTask)
	assert.ErrorIs(t, err, resource.ErrVRAMTierCap)

	queue, err := o.Handle(context.Background(), GetQueueStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, queue.(model.QueueStatus).Queued["HIGH"])
	assert.Equal(t, 0, queue.(model.QueueStatus).Queued["LOW"])

	_, err = handleJSON(t, o, "cancel_task", `{"task_id":"t1"}`)
	require.NoError(t, err)
	_, err = handleJSON(t, o, "cancel_task", `{"task_id":"t1"}`)
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)

	_, err = handleJSON(t, o, "complete_task", `{"task_id":"ghost","success":true}`)
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestOrchestrator_ReportHealth(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	_, err := handleJSON(t, o, "report_health", `{"agent_name":"llm","metrics":{"latency":1}}`)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = handleJSON(t, o, "register_agent", `{"name":"llm","endpoint":"tcp://llm:9000"}`)
	require.NoError(t, err)

	_, err = handleJSON(t, o, "report_health", `{"agent_name":"llm","status":"on_fire"}`)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Twelve steady samples and a spike
	for _, v := range []float64{48, 52, 49, 51, 47, 53, 50, 48, 52, 49, 51, 50, 500} {
		_, err := handleJSON(t, o, "report_health",
			fmt.Sprintf(`{"agent_name":"llm","status":"healthy","metrics":{"latency":%g}}`, v))
		require.NoError(t, err)
	}

	o.runAnalysis()
	alerts, err := o.Handle(context.Background(), GetAlertsRequest{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "llm", alerts.([]model.PredictiveAlert)[0].Agent)

	// The cycle was queued for the recovery worker
	require.Len(t, o.alerts, 1)

	t.Run("UnhealthyReportTriggersRecovery", func(t *testing.T) {
		_, err := handleJSON(t, o, "report_health", `{"agent_name":"llm","status":"unhealthy"}`)
		require.NoError(t, err)
		h.orch.recovery.Wait()

		results := h.orch.recovery.Results()
		require.Len(t, results, 1)
		assert.Equal(t, model.TierRestart, results[0].Tier)
		assert.True(t, results[0].Success)

		agent, err := o.Agents().Get("llm")
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusUnhealthy, agent.Status)
	})
}

func TestOrchestrator_TriggerRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	resp, err := handleJSON(t, o, "trigger_recovery", `{"agent_name":"llm","tier":3}`)
	require.NoError(t, err)
	rec := resp.(RecoveryResponse)
	require.True(t, rec.Success)
	assert.Equal(t, []string{"restart:cache", "clear_state:llm", "restart:llm"}, rec.Result.Steps)

	// Cooldown aborts an immediate second restart
	resp, err = handleJSON(t, o, "trigger_recovery", `{"agent_name":"llm"}`)
	require.NoError(t, err)
	rec = resp.(RecoveryResponse)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Reason, lifecycle.ErrRestartCooldown.Error())

	_, err = handleJSON(t, o, "trigger_recovery", `{"agent_name":"ghost","tier":1}`)
	assert.ErrorIs(t, err, recovery.ErrUnknownTarget)

	_, err = handleJSON(t, o, "trigger_recovery", `{"tier":2}`)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = handleJSON(t, o, "trigger_recovery", `{"agent_name":"llm","tier":9}`)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrchestrator_DispatchLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch
	h.dispatcher.fail = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	for _, payload := range []string{
		`{"id":"low","type":"inference","priority":"LOW","resources":{"cpu":1}}`,
		`{"id":"crit","type":"inference","priority":"CRITICAL","resources":{"vram":4}}`,
	} {
		resp, err := handleJSON(t, o, "schedule_task", payload)
		require.NoError(t, err)
		require.True(t, resp.(ScheduleResponse).Accepted)
	}

	require.Eventually(t, func() bool {
		return len(h.dispatcher.IDs()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	status := o.allocator.Status()
	assert.Equal(t, 1.0, status.Pools[model.ResourceCPU].Allocated)
	assert.Equal(t, 4.0, status.VRAM.Allocated)

	for _, id := range h.dispatcher.IDs() {
		_, err := handleJSON(t, o, "complete_task", fmt.Sprintf(`{"task_id":%q,"success":true}`, id))
		require.NoError(t, err)
	}
	assert.Zero(t, o.allocator.Status().VRAM.Allocated)
	assert.Equal(t, 2, o.scheduler.QueueStatus().Completed)

	cancel()
	require.NoError(t, <-done)
}

func TestOrchestrator_BroadcastLoop(t *testing.T) {
	config := DefaultConfig()
	config.BroadcastInterval = time.Second
	h := newHarness(t, config)
	o := h.orch

	sub, unsubscribe, err := o.Broadcaster().Subscribe(4)
	require.NoError(t, err)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	_, err = handleJSON(t, o, "register_agent", `{"name":"llm"}`)
	require.NoError(t, err)

	select {
	case snap := <-sub:
		require.Len(t, snap.Agents, 1)
		assert.Equal(t, "llm", snap.Agents[0].Name)
		assert.Equal(t, 24.0, snap.Resources.VRAM.Total)
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"queue"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot broadcast")
	}

	cancel()
	require.NoError(t, <-done)

	// Run closes the broadcaster on exit
	_, ok := <-sub
	for ok {
		_, ok = <-sub
	}
}

func TestOrchestrator_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	o.agents.Register("llm", "", "")
	o.agents.Register("stranger", "", "")

	now := time.Now().Add(time.Minute)
	o.agents.now = func() time.Time { return now }

	o.runHeartbeatCheck(context.Background())
	o.recovery.Wait()

	// Only the managed process is recovered
	results := o.recovery.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "llm", results[0].Agent)

	for _, agent := range o.agents.List() {
		assert.Equal(t, model.AgentStatusOffline, agent.Status)
	}

	// Already offline agents are not reported again
	o.runHeartbeatCheck(context.Background())
	o.recovery.Wait()
	assert.Len(t, o.recovery.Results(), 1)
}

type countingRetainer struct {
	calls  int
	cutoff time.Time
}

func (r *countingRetainer) Prune(_ context.Context, before time.Time) (int64, error) {
	r.calls++
	r.cutoff = before
	return 3, nil
}

func TestOrchestrator_Retention(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.orch

	o.runRetention(context.Background())

	retainer := &countingRetainer{}
	o.retainer = retainer
	o.runRetention(context.Background())
	assert.Equal(t, 1, retainer.calls)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), retainer.cutoff, time.Minute)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{}, zap.NewNop())
	assert.Error(t, err)
}
