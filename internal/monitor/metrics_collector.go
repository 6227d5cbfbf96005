package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// HostProbe samples host utilization
type HostProbe interface {
	Sample(ctx context.Context) (model.HostStats, error)
}

// SystemProbe reads host utilization through gopsutil
type SystemProbe struct {
	DiskPath string
}

// Sample collects cpu, memory and disk usage
func (p SystemProbe) Sample(ctx context.Context) (model.HostStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.HostStats{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostStats{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	path := p.DiskPath
	if path == "" {
		path = "/"
	}
	diskInfo, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return model.HostStats{}, fmt.Errorf("failed to get disk usage: %w", err)
	}

	stats := model.HostStats{
		MemoryPercent: memInfo.UsedPercent,
		DiskPercent:   diskInfo.UsedPercent,
		CollectedAt:   time.Now(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}
	return stats, nil
}

// NopHostProbe reports nothing
type NopHostProbe struct{}

// Sample returns an empty sample
func (NopHostProbe) Sample(context.Context) (model.HostStats, error) {
	return model.HostStats{CollectedAt: time.Now()}, nil
}

// MetricsCollector samples the host periodically and keeps the latest reading
type MetricsCollector struct {
	logger   *zap.Logger
	probe    HostProbe
	interval time.Duration
	mu       sync.RWMutex
	latest   *model.HostStats
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(probe HostProbe, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if probe == nil {
		probe = NopHostProbe{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		probe:    probe,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	// Take one sample up front so the first broadcast has host data
	c.Collect(ctx)

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample
func (c *MetricsCollector) Collect(ctx context.Context) {
	stats, err := c.probe.Sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample host", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = &stats
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUPercent),
		zap.Float64("memory_usage", stats.MemoryPercent),
		zap.Float64("disk_usage", stats.DiskPercent))
}

// Latest returns the most recent sample, or nil before the first one
func (c *MetricsCollector) Latest() *model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	return &stats
}
