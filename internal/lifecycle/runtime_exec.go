package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ExecRuntime runs managed processes as local child processes
type ExecRuntime struct {
	logger    *zap.Logger
	mu        sync.Mutex
	processes map[string]*execProcess
}

// NewExecRuntime creates a new exec runtime
func NewExecRuntime(logger *zap.Logger) *ExecRuntime {
	return &ExecRuntime{
		logger:    logger.Named("exec-runtime"),
		processes: make(map[string]*execProcess),
	}
}

// Check resolves the command on disk or in PATH
func (r *ExecRuntime) Check(_ context.Context, cfg model.ProcessConfig) error {
	if cfg.Command == "" {
		return fmt.Errorf("%w: %s has no command", ErrSpawnArtifactMissing, cfg.Name)
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnArtifactMissing, cfg.Command, err)
	}
	if cfg.WorkingDir != "" {
		if _, err := os.Stat(cfg.WorkingDir); err != nil {
			return fmt.Errorf("%w: working dir %s: %v", ErrSpawnArtifactMissing, cfg.WorkingDir, err)
		}
	}
	return nil
}

// Start launches the command. The child outlives ctx; only Stop terminates it.
func (r *ExecRuntime) Start(_ context.Context, cfg model.ProcessConfig) (Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("failed to start process: %w", err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	h := Handle{ID: strconv.Itoa(cmd.Process.Pid), StartedAt: time.Now()}

	r.mu.Lock()
	r.processes[h.ID] = proc
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(proc.done)
		r.mu.Lock()
		delete(r.processes, h.ID)
		r.mu.Unlock()
		r.logger.Info("Process exited",
			zap.String("process", cfg.Name),
			zap.String("pid", h.ID),
			zap.Error(err))
	}()

	r.logger.Info("Process started",
		zap.String("process", cfg.Name),
		zap.String("pid", h.ID))
	return h, nil
}

// Stop sends SIGTERM and escalates to SIGKILL after grace
func (r *ExecRuntime) Stop(ctx context.Context, cfg model.ProcessConfig, h Handle, grace time.Duration) error {
	r.mu.Lock()
	proc, ok := r.processes[h.ID]
	r.mu.Unlock()
	if !ok {
		// Already exited
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.logger.Warn("Failed to signal process",
			zap.String("process", cfg.Name),
			zap.String("pid", h.ID),
			zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.logger.Warn("Process did not exit in time, killing",
		zap.String("process", cfg.Name),
		zap.String("pid", h.ID),
		zap.Duration("grace", grace))

	if err := proc.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-proc.done
	return nil
}

// Alive reports whether a child started by this runtime is still running. Exited
// children leave the table, so a reused pid never reads as alive.
func (r *ExecRuntime) Alive(_ context.Context, _ model.ProcessConfig, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, tracked := r.processes[h.ID]
	return tracked
}
