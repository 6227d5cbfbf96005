package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/t77yq/fleet-orchestrator/internal/api"
	"github.com/t77yq/fleet-orchestrator/internal/lifecycle"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
	"github.com/t77yq/fleet-orchestrator/internal/recovery"
	"github.com/t77yq/fleet-orchestrator/internal/resource"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/transport"
)

// EnvPrefix prefixes environment overrides, e.g. FLEET_NATS_URL
const EnvPrefix = "FLEET"

// Config is the complete server configuration
type Config struct {
	Log          LogConfig                    `mapstructure:"log"`
	NATS         NATSConfig                   `mapstructure:"nats"`
	Actions      transport.ActionServerConfig `mapstructure:"actions"`
	HTTP         HTTPConfig                   `mapstructure:"http"`
	Storage      StorageConfig                `mapstructure:"storage"`
	Resources    ResourcesConfig              `mapstructure:"resources"`
	Scheduler    SchedulerConfig              `mapstructure:"scheduler"`
	Analyzer     monitor.AnalyzerConfig       `mapstructure:"analyzer"`
	Lifecycle    LifecycleConfig              `mapstructure:"lifecycle"`
	Recovery     RecoveryConfig               `mapstructure:"recovery"`
	Orchestrator OrchestratorConfig           `mapstructure:"orchestrator"`
	Processes    []model.ProcessConfig        `mapstructure:"processes"`
}

// LogConfig selects the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NATSConfig defines the NATS connection. Embedded runs an in-process server.
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Embedded       bool          `mapstructure:"embedded"`
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	StoreDir       string        `mapstructure:"store_dir"`
}

// HTTPConfig defines the HTTP API
type HTTPConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Metrics    bool `mapstructure:"metrics"`
	api.Config `mapstructure:",squash"`
}

// StorageConfig defines the finished task archive
type StorageConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

// ResourcesConfig defines the resource pools. Zero capacities are discovered
// from the host when Discover is set.
type ResourcesConfig struct {
	Capacity    map[string]float64 `mapstructure:"capacity"`
	TierCaps    map[string]float64 `mapstructure:"tier_caps"`
	HistorySize int                `mapstructure:"history_size"`
	Discover    bool               `mapstructure:"discover"`
	DiskPath    string             `mapstructure:"disk_path"`
	GPUCount    int                `mapstructure:"gpu_count"`
	VRAMTotal   float64            `mapstructure:"vram_total"`
}

// SchedulerConfig defines the task scheduler and its breakers
type SchedulerConfig struct {
	HistorySize       int           `mapstructure:"history_size"`
	CompletedCapacity int           `mapstructure:"completed_capacity"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// LifecycleConfig defines managed process handling
type LifecycleConfig struct {
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	AutoStart       bool          `mapstructure:"auto_start"`
}

// RecoveryConfig defines recovery policy
type RecoveryConfig struct {
	HistorySize        int     `mapstructure:"history_size"`
	FleetCriticalRatio float64 `mapstructure:"fleet_critical_ratio"`
}

// OrchestratorConfig defines the background loops
type OrchestratorConfig struct {
	AnalysisInterval   time.Duration `mapstructure:"analysis_interval"`
	BroadcastInterval  time.Duration `mapstructure:"broadcast_interval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	HostSampleInterval time.Duration `mapstructure:"host_sample_interval"`
	AlertBuffer        int           `mapstructure:"alert_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "fleet-orchestrator")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.store_dir", "./data/jetstream")

	actions := transport.DefaultActionServerConfig()
	v.SetDefault("actions.queue_group", actions.QueueGroup)
	v.SetDefault("actions.workers", actions.Workers)
	v.SetDefault("actions.queue_size", actions.QueueSize)
	v.SetDefault("actions.request_timeout", actions.RequestTimeout)

	httpDefaults := api.DefaultConfig()
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.metrics", true)
	v.SetDefault("http.addr", httpDefaults.Addr)
	v.SetDefault("http.shutdown_timeout", httpDefaults.ShutdownTimeout)
	v.SetDefault("http.stream_buffer", httpDefaults.StreamBuffer)

	loops := orchestrator.DefaultConfig()
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.path", "./data/tasks.db")
	v.SetDefault("storage.retention", loops.Retention)
	v.SetDefault("storage.retention_schedule", loops.RetentionSchedule)

	v.SetDefault("resources.capacity", map[string]float64{})
	v.SetDefault("resources.tier_caps", map[string]float64{})
	v.SetDefault("resources.history_size", 1000)
	v.SetDefault("resources.discover", true)
	v.SetDefault("resources.disk_path", "/")
	v.SetDefault("resources.gpu_count", 0)
	v.SetDefault("resources.vram_total", 0.0)

	sched := scheduler.DefaultConfig()
	breakers := scheduler.DefaultBreakerConfig()
	v.SetDefault("scheduler.history_size", sched.HistorySize)
	v.SetDefault("scheduler.completed_capacity", sched.CompletedCapacity)
	v.SetDefault("scheduler.breaker_threshold", breakers.FailureThreshold)
	v.SetDefault("scheduler.breaker_timeout", breakers.RecoveryTimeout)

	analyzer := monitor.DefaultAnalyzerConfig()
	v.SetDefault("analyzer.window_size", analyzer.WindowSize)
	v.SetDefault("analyzer.min_samples", analyzer.MinSamples)
	v.SetDefault("analyzer.lookback", analyzer.Lookback)
	v.SetDefault("analyzer.trend_samples", analyzer.TrendSamples)
	v.SetDefault("analyzer.anomaly_threshold", analyzer.AnomalyThreshold)
	v.SetDefault("analyzer.trend_weight", analyzer.TrendWeight)
	v.SetDefault("analyzer.warning_threshold", analyzer.WarningThreshold)
	v.SetDefault("analyzer.critical_threshold", analyzer.CriticalThreshold)
	v.SetDefault("analyzer.warning_horizon", analyzer.WarningHorizon)
	v.SetDefault("analyzer.critical_horizon", analyzer.CriticalHorizon)

	lc := lifecycle.DefaultConfig()
	v.SetDefault("lifecycle.restart_cooldown", lc.RestartCooldown)
	v.SetDefault("lifecycle.stop_grace", lc.StopGrace)
	v.SetDefault("lifecycle.auto_start", true)

	rec := recovery.DefaultConfig()
	v.SetDefault("recovery.history_size", rec.HistorySize)
	v.SetDefault("recovery.fleet_critical_ratio", rec.FleetCriticalRatio)

	v.SetDefault("orchestrator.analysis_interval", loops.AnalysisInterval)
	v.SetDefault("orchestrator.broadcast_interval", loops.BroadcastInterval)
	v.SetDefault("orchestrator.heartbeat_interval", loops.HeartbeatInterval)
	v.SetDefault("orchestrator.heartbeat_timeout", loops.HeartbeatTimeout)
	v.SetDefault("orchestrator.host_sample_interval", 10*time.Second)
	v.SetDefault("orchestrator.alert_buffer", loops.AlertBuffer)

	v.SetDefault("processes", []map[string]any{})
}

// Load reads the yaml file at path, or ./config/config.yaml when path is empty
// and that file exists, then applies FLEET_ environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints, reporting every problem
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format must be console or json, got %q", c.Log.Format)
	if c.NATS.Enabled && !c.NATS.Embedded {
		check(c.NATS.URL != "", "nats.url is required")
	}
	check(c.Actions.Workers > 0, "actions.workers must be positive")
	check(c.Actions.QueueSize > 0, "actions.queue_size must be positive")
	if c.HTTP.Enabled {
		check(c.HTTP.Addr != "", "http.addr is required")
	}
	if c.Storage.Enabled {
		check(c.Storage.Path != "", "storage.path is required")
		check(c.Storage.Retention > 0, "storage.retention must be positive")
		_, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).
			Parse(c.Storage.RetentionSchedule)
		check(err == nil, "storage.retention_schedule: %v", err)
	}

	for kind, amount := range c.Resources.Capacity {
		check(amount >= 0, "resources.capacity.%s must not be negative", kind)
	}
	if _, err := c.Resources.tierCaps(); err != nil {
		errs = append(errs, err)
	}

	check(c.Scheduler.HistorySize > 0, "scheduler.history_size must be positive")
	check(c.Scheduler.BreakerThreshold > 0, "scheduler.breaker_threshold must be positive")
	check(c.Scheduler.BreakerTimeout > 0, "scheduler.breaker_timeout must be positive")

	a := c.Analyzer
	check(a.WindowSize >= a.MinSamples && a.MinSamples > 1, "analyzer.window_size must be >= min_samples > 1")
	check(a.Lookback > 1 && a.Lookback <= a.WindowSize, "analyzer.lookback must be in (1, window_size]")
	check(a.TrendSamples > 1, "analyzer.trend_samples must be > 1")
	check(a.WarningThreshold > 0 && a.WarningThreshold < a.CriticalThreshold && a.CriticalThreshold <= 1,
		"analyzer thresholds must satisfy 0 < warning < critical <= 1")

	check(c.Lifecycle.RestartCooldown > 0, "lifecycle.restart_cooldown must be positive")
	check(c.Recovery.FleetCriticalRatio > 0 && c.Recovery.FleetCriticalRatio <= 1,
		"recovery.fleet_critical_ratio must be in (0, 1]")

	o := c.Orchestrator
	check(o.AnalysisInterval >= time.Second, "orchestrator.analysis_interval must be at least 1s")
	check(o.BroadcastInterval >= time.Second, "orchestrator.broadcast_interval must be at least 1s")
	check(o.HeartbeatInterval >= time.Second, "orchestrator.heartbeat_interval must be at least 1s")
	check(o.HeartbeatTimeout > o.HeartbeatInterval, "orchestrator.heartbeat_timeout must exceed heartbeat_interval")

	names := make(map[string]bool, len(c.Processes))
	for i, p := range c.Processes {
		check(p.Name != "", "processes[%d].name is required", i)
		check(!names[p.Name], "processes[%d]: duplicate name %q", i, p.Name)
		names[p.Name] = true
		switch p.Runtime {
		case "", model.RuntimeExec:
			check(p.Command != "", "processes[%d] (%s): command is required for exec runtime", i, p.Name)
		case model.RuntimeContainer:
			check(p.Container != "", "processes[%d] (%s): container is required for container runtime", i, p.Name)
		default:
			check(false, "processes[%d] (%s): unknown runtime %q", i, p.Name, p.Runtime)
		}
	}
	for _, p := range c.Processes {
		for _, dep := range p.Dependencies {
			check(names[dep], "process %s depends on unknown process %s", p.Name, dep)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// HasContainers reports whether any managed process needs the docker runtime
func (c *Config) HasContainers() bool {
	for _, p := range c.Processes {
		if p.Runtime == model.RuntimeContainer {
			return true
		}
	}
	return false
}

// AllocatorConfig converts the resources section for a discovered capacity
func (c *Config) AllocatorConfig(capacity map[string]float64) (resource.Config, error) {
	caps, err := c.Resources.tierCaps()
	if err != nil {
		return resource.Config{}, err
	}
	return resource.Config{
		Capacity:    capacity,
		TierCaps:    caps,
		HistorySize: c.Resources.HistorySize,
	}, nil
}

// TaskSchedulerConfig converts the scheduler section
func (c *Config) TaskSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		HistorySize:       c.Scheduler.HistorySize,
		CompletedCapacity: c.Scheduler.CompletedCapacity,
	}
}

// BreakerConfig converts the breaker knobs of the scheduler section
func (c *Config) BreakerConfig() scheduler.BreakerConfig {
	return scheduler.BreakerConfig{
		FailureThreshold: c.Scheduler.BreakerThreshold,
		RecoveryTimeout:  c.Scheduler.BreakerTimeout,
	}
}

// ControllerConfig converts the lifecycle section
func (c *Config) ControllerConfig() lifecycle.Config {
	return lifecycle.Config{
		RestartCooldown: c.Lifecycle.RestartCooldown,
		StopGrace:       c.Lifecycle.StopGrace,
	}
}

// RecoveryManagerConfig converts the recovery section
func (c *Config) RecoveryManagerConfig() recovery.Config {
	return recovery.Config{
		HistorySize:        c.Recovery.HistorySize,
		FleetCriticalRatio: c.Recovery.FleetCriticalRatio,
	}
}

// LoopConfig converts the orchestrator and storage sections
func (c *Config) LoopConfig() orchestrator.Config {
	return orchestrator.Config{
		AnalysisInterval:  c.Orchestrator.AnalysisInterval,
		BroadcastInterval: c.Orchestrator.BroadcastInterval,
		HeartbeatInterval: c.Orchestrator.HeartbeatInterval,
		HeartbeatTimeout:  c.Orchestrator.HeartbeatTimeout,
		RetentionSchedule: c.Storage.RetentionSchedule,
		Retention:         c.Storage.Retention,
		AlertBuffer:       c.Orchestrator.AlertBuffer,
	}
}

// tierCaps parses tier cap keys given as priority names or numbers
func (r ResourcesConfig) tierCaps() (map[model.TaskPriority]float64, error) {
	if len(r.TierCaps) == 0 {
		return nil, nil
	}
	caps := resource.DefaultTierCaps()
	for name, fraction := range r.TierCaps {
		p, err := model.ParsePriority(name)
		if err != nil {
			return nil, fmt.Errorf("resources.tier_caps: %w", err)
		}
		if fraction <= 0 || fraction > 1 {
			return nil, fmt.Errorf("resources.tier_caps.%s must be in (0, 1]", name)
		}
		caps[p] = fraction
	}
	return caps, nil
}
