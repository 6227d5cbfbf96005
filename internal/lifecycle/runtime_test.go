package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func TestExecRuntime(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	rt := NewExecRuntime(zap.NewNop())
	ctx := context.Background()

	t.Run("MissingCommand", func(t *testing.T) {
		err := rt.Check(ctx, model.ProcessConfig{Name: "x", Command: "/definitely/not/here"})
		assert.ErrorIs(t, err, ErrSpawnArtifactMissing)
	})

	t.Run("StartStop", func(t *testing.T) {
		cfg := model.ProcessConfig{Name: "sleeper", Command: "sleep", Args: []string{"30"}}
		require.NoError(t, rt.Check(ctx, cfg))

		h, err := rt.Start(ctx, cfg)
		require.NoError(t, err)
		assert.True(t, rt.Alive(ctx, cfg, h))

		require.NoError(t, rt.Stop(ctx, cfg, h, time.Second))
		assert.Eventually(t, func() bool { return !rt.Alive(ctx, cfg, h) }, 2*time.Second, 10*time.Millisecond)

		// Stopping an exited process is a no-op
		require.NoError(t, rt.Stop(ctx, cfg, h, time.Second))
	})

	t.Run("ExitedChild", func(t *testing.T) {
		if _, err := exec.LookPath("true"); err != nil {
			t.Skip("true not available")
		}
		cfg := model.ProcessConfig{Name: "quick", Command: "true"}
		h, err := rt.Start(ctx, cfg)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return !rt.Alive(ctx, cfg, h) }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("LivePidNotStartedHere", func(t *testing.T) {
		// The test binary's own pid stands in for a pid reused by an unrelated process
		h := Handle{ID: strconv.Itoa(os.Getpid()), StartedAt: time.Now()}
		assert.False(t, rt.Alive(ctx, model.ProcessConfig{Name: "reused"}, h))
	})
}

type fakeDocker struct {
	containers map[string]*types.ContainerJSON
	stopped    []string
	timeout    int
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return *c, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.State.Running = true
	c.State.StartedAt = "2024-01-01T00:00:00Z"
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	for _, c := range f.containers {
		if c.ID == id {
			c.State.Running = false
			f.stopped = append(f.stopped, id)
			if opts.Timeout != nil {
				f.timeout = *opts.Timeout
			}
			return nil
		}
	}
	return errdefs.NotFound(errors.New("no such container"))
}

func TestDockerRuntime(t *testing.T) {
	docker := &fakeDocker{containers: map[string]*types.ContainerJSON{
		"llm-server": {ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "abc123",
			State: &types.ContainerState{},
		}},
	}}
	rt := NewDockerRuntimeWithClient(docker, zap.NewNop())
	ctx := context.Background()
	cfg := model.ProcessConfig{Name: "llm", Runtime: model.RuntimeContainer, Container: "llm-server"}

	assert.ErrorIs(t, rt.Check(ctx, model.ProcessConfig{Name: "ghost"}), ErrSpawnArtifactMissing)
	require.NoError(t, rt.Check(ctx, cfg))

	h, err := rt.Start(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "abc123", h.ID)
	assert.Equal(t, 2024, h.StartedAt.Year())

	require.NoError(t, rt.Stop(ctx, cfg, h, 5*time.Second))
	assert.Equal(t, []string{"abc123"}, docker.stopped)
	assert.Equal(t, 5, docker.timeout)

	// Stopping a container that is gone is not an error
	require.NoError(t, rt.Stop(ctx, cfg, Handle{ID: "gone"}, time.Second))
}
