package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// ContainerAPI is the part of the docker engine client the runtime uses
type ContainerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

// DockerRuntime manages pre-created containers through the docker engine API
type DockerRuntime struct {
	logger *zap.Logger
	docker ContainerAPI
}

// NewDockerRuntime connects to the engine configured in the environment
func NewDockerRuntime(logger *zap.Logger) (*DockerRuntime, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerRuntimeWithClient(docker, logger), nil
}

// NewDockerRuntimeWithClient creates a runtime over an existing client
func NewDockerRuntimeWithClient(docker ContainerAPI, logger *zap.Logger) *DockerRuntime {
	return &DockerRuntime{
		logger: logger.Named("docker-runtime"),
		docker: docker,
	}
}

func containerName(cfg model.ProcessConfig) string {
	if cfg.Container != "" {
		return cfg.Container
	}
	return cfg.Name
}

// Check verifies the container exists
func (r *DockerRuntime) Check(ctx context.Context, cfg model.ProcessConfig) error {
	name := containerName(cfg)
	if _, err := r.docker.ContainerInspect(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s", ErrSpawnArtifactMissing, name)
		}
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	return nil
}

// Start starts the container and returns its id as the handle
func (r *DockerRuntime) Start(ctx context.Context, cfg model.ProcessConfig) (Handle, error) {
	name := containerName(cfg)
	if err := r.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	info, err := r.docker.ContainerInspect(ctx, name)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	h := Handle{ID: name, StartedAt: time.Now()}
	if info.ContainerJSONBase != nil {
		h.ID = info.ID
		if info.State != nil {
			if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
				h.StartedAt = started
			}
		}
	}

	r.logger.Info("Container started",
		zap.String("process", cfg.Name),
		zap.String("container", name),
		zap.String("container_id", h.ID))
	return h, nil
}

// Stop asks the engine to stop the container; the engine kills it after grace
func (r *DockerRuntime) Stop(ctx context.Context, cfg model.ProcessConfig, h Handle, grace time.Duration) error {
	id := h.ID
	if id == "" {
		id = containerName(cfg)
	}
	timeout := int(grace.Seconds())
	if err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}

	r.logger.Info("Container stopped",
		zap.String("process", cfg.Name),
		zap.String("container_id", id))
	return nil
}

// Alive reports whether the container is running
func (r *DockerRuntime) Alive(ctx context.Context, cfg model.ProcessConfig, h Handle) bool {
	id := h.ID
	if id == "" {
		id = containerName(cfg)
	}
	info, err := r.docker.ContainerInspect(ctx, id)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.Running
}
