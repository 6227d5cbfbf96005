package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// fakeRuntime records calls and hands out sequential handles
type fakeRuntime struct {
	mu       sync.Mutex
	next     int
	running  map[string]bool
	missing  map[string]bool
	failStop map[string]bool
	calls    []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running:  make(map[string]bool),
		missing:  make(map[string]bool),
		failStop: make(map[string]bool),
	}
}

func (f *fakeRuntime) Check(_ context.Context, cfg model.ProcessConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[cfg.Name] {
		return fmt.Errorf("%w: %s", ErrSpawnArtifactMissing, cfg.Name)
	}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, cfg model.ProcessConfig) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("%s-%d", cfg.Name, f.next)
	f.running[id] = true
	f.calls = append(f.calls, "start:"+cfg.Name)
	return Handle{ID: id, StartedAt: time.Now()}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, cfg model.ProcessConfig, h Handle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStop[cfg.Name] {
		return errors.New("stop failed")
	}
	delete(f.running, h.ID)
	f.calls = append(f.calls, "stop:"+cfg.Name)
	return nil
}

func (f *fakeRuntime) Alive(_ context.Context, _ model.ProcessConfig, h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[h.ID]
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestController(t *testing.T, processes ...model.ProcessConfig) (*Controller, *fakeRuntime, *time.Time) {
	t.Helper()
	rt := newFakeRuntime()
	c, err := NewController(Config{RestartCooldown: time.Minute, StopGrace: time.Second}, processes,
		map[model.ProcessRuntime]Runtime{model.RuntimeExec: rt}, zap.NewNop())
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, rt, &now
}

func handleOf(t *testing.T, c *Controller, name string) string {
	t.Helper()
	for _, s := range c.Status(context.Background()) {
		if s.Name == name {
			return s.HandleID
		}
	}
	t.Fatalf("process %s not found", name)
	return ""
}

func TestController_RestartCooldown(t *testing.T) {
	c, _, now := newTestController(t, model.ProcessConfig{Name: "llm"})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "llm"))
	require.NoError(t, c.Restart(ctx, "llm"))
	handle := handleOf(t, c, "llm")

	*now = now.Add(30 * time.Second)
	err := c.Restart(ctx, "llm")
	require.ErrorIs(t, err, ErrRestartCooldown)
	assert.Equal(t, handle, handleOf(t, c, "llm"))

	*now = now.Add(31 * time.Second)
	require.NoError(t, c.Restart(ctx, "llm"))
	assert.NotEqual(t, handle, handleOf(t, c, "llm"))

	status := c.Status(ctx)
	require.Len(t, status, 1)
	assert.True(t, status[0].Running)
	require.NotNil(t, status[0].LastRestart)
	assert.Equal(t, *now, *status[0].LastRestart)
}

func TestController_StartFailures(t *testing.T) {
	c, rt, _ := newTestController(t, model.ProcessConfig{Name: "tts"})
	ctx := context.Background()

	assert.ErrorIs(t, c.Start(ctx, "nope"), ErrUnknownProcess)
	assert.ErrorIs(t, c.Restart(ctx, "nope"), ErrUnknownProcess)

	rt.missing["tts"] = true
	assert.ErrorIs(t, c.Start(ctx, "tts"), ErrSpawnArtifactMissing)
	assert.Empty(t, handleOf(t, c, "tts"))
}

func TestController_StartIsIdempotent(t *testing.T) {
	c, rt, _ := newTestController(t, model.ProcessConfig{Name: "asr"})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "asr"))
	require.NoError(t, c.Start(ctx, "asr"))
	assert.Equal(t, []string{"start:asr"}, rt.Calls())

	require.NoError(t, c.Stop(ctx, "asr"))
	require.NoError(t, c.Stop(ctx, "asr"))
	assert.Equal(t, []string{"start:asr", "stop:asr"}, rt.Calls())
}

func TestController_FailedStopKeepsHandle(t *testing.T) {
	c, rt, _ := newTestController(t, model.ProcessConfig{Name: "vision"})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "vision"))
	handle := handleOf(t, c, "vision")

	rt.failStop["vision"] = true
	require.Error(t, c.Restart(ctx, "vision"))
	assert.Equal(t, handle, handleOf(t, c, "vision"))
}

func TestController_DependencyOrder(t *testing.T) {
	c, rt, _ := newTestController(t,
		model.ProcessConfig{Name: "api", Dependencies: []string{"llm", "cache"}, AutoStart: true},
		model.ProcessConfig{Name: "llm", Dependencies: []string{"cache"}, AutoStart: true},
		model.ProcessConfig{Name: "cache", AutoStart: true},
		model.ProcessConfig{Name: "manual"},
	)

	assert.Equal(t, []string{"cache", "llm", "api", "manual"}, c.Names())

	deps, err := c.Dependencies("api")
	require.NoError(t, err)
	assert.Equal(t, []string{"llm", "cache"}, deps)

	ctx := context.Background()
	require.NoError(t, c.StartAll(ctx))
	assert.Equal(t, []string{"start:cache", "start:llm", "start:api"}, rt.Calls())

	c.StopAll(ctx)
	assert.Equal(t, []string{"start:cache", "start:llm", "start:api", "stop:api", "stop:llm", "stop:cache"}, rt.Calls())
}

func TestController_RegistryValidation(t *testing.T) {
	runtimes := map[model.ProcessRuntime]Runtime{model.RuntimeExec: newFakeRuntime()}

	_, err := NewController(Config{}, []model.ProcessConfig{
		{Name: "a", Dependencies: []string{"b"}},
		{Name: "b", Dependencies: []string{"a"}},
	}, runtimes, zap.NewNop())
	assert.ErrorIs(t, err, ErrDependencyCycle)

	_, err = NewController(Config{}, []model.ProcessConfig{
		{Name: "a", Dependencies: []string{"ghost"}},
	}, runtimes, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownProcess)

	_, err = NewController(Config{}, []model.ProcessConfig{
		{Name: "a", Runtime: model.RuntimeContainer},
	}, runtimes, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownRuntime)

	_, err = NewController(Config{}, []model.ProcessConfig{{Name: "a"}, {Name: "a"}}, runtimes, zap.NewNop())
	assert.Error(t, err)
}

func TestController_ClearState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.bin"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deep"), 0o755))

	c, _, _ := newTestController(t,
		model.ProcessConfig{Name: "llm", StateDir: dir},
		model.ProcessConfig{Name: "stateless"},
	)

	require.NoError(t, c.ClearState("llm"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, c.ClearState("stateless"))
	assert.ErrorIs(t, c.ClearState("ghost"), ErrUnknownProcess)
}

func TestController_RestartsDoNotBlockEachOther(t *testing.T) {
	slow := &blockingRuntime{fakeRuntime: newFakeRuntime(), release: make(chan struct{})}
	c, err := NewController(Config{}, []model.ProcessConfig{
		{Name: "slow", Runtime: model.RuntimeContainer},
		{Name: "fast"},
	}, map[model.ProcessRuntime]Runtime{
		model.RuntimeContainer: slow,
		model.RuntimeExec:      newFakeRuntime(),
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	go func() { _ = c.Start(ctx, "slow") }()

	done := make(chan error, 1)
	go func() { done <- c.Restart(ctx, "fast") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("restart of fast blocked behind slow")
	}
	close(slow.release)
}

type blockingRuntime struct {
	*fakeRuntime
	release chan struct{}
}

func (b *blockingRuntime) Start(ctx context.Context, cfg model.ProcessConfig) (Handle, error) {
	<-b.release
	return b.fakeRuntime.Start(ctx, cfg)
}
