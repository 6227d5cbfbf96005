package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Config defines lifecycle timing
type Config struct {
	// RestartCooldown is the minimum spacing between two restarts of one process
	RestartCooldown time.Duration
	// StopGrace is how long a process may take to exit before it is killed
	StopGrace time.Duration
}

// DefaultConfig returns the default lifecycle timing
func DefaultConfig() Config {
	return Config{
		RestartCooldown: 60 * time.Second,
		StopGrace:       5 * time.Second,
	}
}

// managedProcess has its own lock so a slow stop of one process never blocks another
type managedProcess struct {
	mu          sync.Mutex
	config      model.ProcessConfig
	runtime     Runtime
	handle      *Handle
	lastRestart time.Time
}

// Controller owns the registry of managed processes and their handles
type Controller struct {
	logger *zap.Logger
	config Config
	order  []string

	mu        sync.RWMutex
	processes map[string]*managedProcess
	now       func() time.Time
}

// NewController builds the registry. Every process's runtime must be provided and
// its dependencies must name registered processes without forming a cycle.
func NewController(config Config, processes []model.ProcessConfig, runtimes map[model.ProcessRuntime]Runtime, logger *zap.Logger) (*Controller, error) {
	defaults := DefaultConfig()
	if config.RestartCooldown <= 0 {
		config.RestartCooldown = defaults.RestartCooldown
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaults.StopGrace
	}

	c := &Controller{
		logger:    logger.Named("lifecycle-controller"),
		config:    config,
		processes: make(map[string]*managedProcess, len(processes)),
		now:       time.Now,
	}

	for _, cfg := range processes {
		if cfg.Name == "" {
			return nil, fmt.Errorf("managed process without a name")
		}
		if _, dup := c.processes[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate managed process %q", cfg.Name)
		}
		if cfg.Runtime == "" {
			cfg.Runtime = model.RuntimeExec
		}
		rt, ok := runtimes[cfg.Runtime]
		if !ok || rt == nil {
			return nil, fmt.Errorf("%w: %s for %s", ErrUnknownRuntime, cfg.Runtime, cfg.Name)
		}
		cfg.Args = append([]string(nil), cfg.Args...)
		cfg.Dependencies = append([]string(nil), cfg.Dependencies...)
		c.processes[cfg.Name] = &managedProcess{config: cfg, runtime: rt}
	}

	order, err := c.dependencyOrder()
	if err != nil {
		return nil, err
	}
	c.order = order

	c.logger.Info("Managed processes registered", zap.Strings("processes", order))
	return c, nil
}

// Start launches a process. Starting a running process is a no-op.
func (c *Controller) Start(ctx context.Context, name string) error {
	p, err := c.process(name)
	if err != nil {
		c.logger.Warn("Start rejected", zap.String("process", name), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return c.start(ctx, p)
}

// Stop terminates a process, gracefully first
func (c *Controller) Stop(ctx context.Context, name string) error {
	p, err := c.process(name)
	if err != nil {
		c.logger.Warn("Stop rejected", zap.String("process", name), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return c.stop(ctx, p)
}

// Restart stops and starts a process. A restart within the cooldown of the
// previous one is rejected and leaves the handle untouched.
func (c *Controller) Restart(ctx context.Context, name string) error {
	p, err := c.process(name)
	if err != nil {
		c.logger.Warn("Restart rejected", zap.String("process", name), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := c.now()
	if !p.lastRestart.IsZero() {
		if since := now.Sub(p.lastRestart); since < c.config.RestartCooldown {
			c.logger.Warn("Restart rejected",
				zap.String("process", name),
				zap.String("reason", "cooldown"),
				zap.Duration("since_last", since),
				zap.Duration("cooldown", c.config.RestartCooldown))
			return fmt.Errorf("%w: %s restarted %s ago", ErrRestartCooldown, name, since.Truncate(time.Second))
		}
	}

	if err := c.stop(ctx, p); err != nil {
		return err
	}
	p.lastRestart = now

	if err := c.start(ctx, p); err != nil {
		return err
	}

	c.logger.Info("Process restarted", zap.String("process", name))
	return nil
}

// ClearState empties a process's state directory, keeping the directory itself
func (c *Controller) ClearState(name string) error {
	p, err := c.process(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.config.StateDir
	if dir == "" {
		c.logger.Debug("No state to clear", zap.String("process", name))
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clear state of %s: %w", name, err)
		}
	}

	c.logger.Info("Process state cleared",
		zap.String("process", name),
		zap.String("state_dir", dir),
		zap.Int("entries", len(entries)))
	return nil
}

// Dependencies returns the declared dependencies of a process
func (c *Controller) Dependencies(name string) ([]string, error) {
	p, err := c.process(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), p.config.Dependencies...), nil
}

// Has reports whether name is registered
func (c *Controller) Has(name string) bool {
	_, err := c.process(name)
	return err == nil
}

// Names returns every registered process, dependencies before dependents
func (c *Controller) Names() []string {
	return append([]string(nil), c.order...)
}

// Status returns every process's state in dependency order
func (c *Controller) Status(ctx context.Context) []model.ProcessStatus {
	out := make([]model.ProcessStatus, 0, len(c.order))
	for _, name := range c.order {
		p, _ := c.process(name)

		p.mu.Lock()
		status := model.ProcessStatus{
			Name:    name,
			Runtime: string(p.config.Runtime),
		}
		if p.handle != nil {
			started := p.handle.StartedAt
			status.HandleID = p.handle.ID
			status.StartedAt = &started
			status.Running = p.runtime.Alive(ctx, p.config, *p.handle)
		}
		if !p.lastRestart.IsZero() {
			last := p.lastRestart
			status.LastRestart = &last
		}
		p.mu.Unlock()

		out = append(out, status)
	}
	return out
}

// StartAll starts every auto-start process in dependency order
func (c *Controller) StartAll(ctx context.Context) error {
	for _, name := range c.order {
		p, _ := c.process(name)
		if !p.config.AutoStart {
			continue
		}
		if err := c.Start(ctx, name); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every process, dependents first
func (c *Controller) StopAll(ctx context.Context) {
	for i := len(c.order) - 1; i >= 0; i-- {
		if err := c.Stop(ctx, c.order[i]); err != nil {
			c.logger.Error("Failed to stop process",
				zap.String("process", c.order[i]),
				zap.Error(err))
		}
	}
}

func (c *Controller) process(name string) (*managedProcess, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.processes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return p, nil
}

// start is called with p.mu held
func (c *Controller) start(ctx context.Context, p *managedProcess) error {
	if p.handle != nil && p.runtime.Alive(ctx, p.config, *p.handle) {
		return nil
	}

	if err := p.runtime.Check(ctx, p.config); err != nil {
		c.logger.Error("Start failed",
			zap.String("process", p.config.Name),
			zap.Error(err))
		return err
	}

	h, err := p.runtime.Start(ctx, p.config)
	if err != nil {
		c.logger.Error("Start failed",
			zap.String("process", p.config.Name),
			zap.Error(err))
		return err
	}
	p.handle = &h
	return nil
}

// stop is called with p.mu held
func (c *Controller) stop(ctx context.Context, p *managedProcess) error {
	if p.handle == nil {
		return nil
	}
	if err := p.runtime.Stop(ctx, p.config, *p.handle, c.config.StopGrace); err != nil {
		c.logger.Error("Stop failed",
			zap.String("process", p.config.Name),
			zap.Error(err))
		return err
	}
	p.handle = nil
	return nil
}

// dependencyOrder sorts processes so dependencies come first; ties are by name
func (c *Controller) dependencyOrder() ([]string, error) {
	names := make([]string, 0, len(c.processes))
	for name, p := range c.processes {
		names = append(names, name)
		for _, dep := range p.config.Dependencies {
			if _, ok := c.processes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownProcess, name, dep)
			}
		}
	}
	sort.Strings(names)

	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: through %s", ErrDependencyCycle, name)
		}
		state[name] = visiting
		deps := append([]string(nil), c.processes[name].config.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
