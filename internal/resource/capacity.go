package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const gib = 1 << 30

// GPUProbe reports GPU inventory. Hosts without GPU introspection use NopGPUProbe.
type GPUProbe interface {
	// Devices returns the number of GPUs
	Devices(ctx context.Context) (int, error)
	// VRAM returns total GPU memory in GiB across all devices
	VRAM(ctx context.Context) (float64, error)
}

// NopGPUProbe reports no GPUs
type NopGPUProbe struct{}

func (NopGPUProbe) Devices(context.Context) (int, error)  { return 0, nil }
func (NopGPUProbe) VRAM(context.Context) (float64, error) { return 0, nil }

// StaticGPUProbe reports a fixed inventory taken from configuration
type StaticGPUProbe struct {
	Count     int
	VRAMTotal float64
}

func (p StaticGPUProbe) Devices(context.Context) (int, error)  { return p.Count, nil }
func (p StaticGPUProbe) VRAM(context.Context) (float64, error) { return p.VRAMTotal, nil }

// DiscoverCapacity fills kinds left at zero in configured from the host: cpu in
// logical cores, memory and disk in GiB, gpu and vram from the GPU probe.
// Configured values always win.
func DiscoverCapacity(ctx context.Context, configured map[string]float64, diskPath string, probe GPUProbe, logger *zap.Logger) (map[string]float64, error) {
	logger = logger.Named("capacity")
	if probe == nil {
		probe = NopGPUProbe{}
	}
	if diskPath == "" {
		diskPath = "/"
	}

	out := make(map[string]float64, len(configured)+5)
	for kind, total := range configured {
		out[kind] = total
	}

	missing := func(kind string) bool { return out[kind] <= 0 }

	if missing(model.ResourceCPU) {
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to count cpus: %w", err)
		}
		out[model.ResourceCPU] = float64(cores)
	}

	if missing(model.ResourceMemory) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read memory: %w", err)
		}
		out[model.ResourceMemory] = float64(vm.Total) / gib
	}

	if missing(model.ResourceDisk) {
		usage, err := disk.UsageWithContext(ctx, diskPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read disk usage for %s: %w", diskPath, err)
		}
		out[model.ResourceDisk] = float64(usage.Total) / gib
	}

	if missing(model.ResourceGPU) {
		n, err := probe.Devices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count gpus: %w", err)
		}
		out[model.ResourceGPU] = float64(n)
	}

	if missing(model.ResourceVRAM) {
		v, err := probe.VRAM(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read vram: %w", err)
		}
		out[model.ResourceVRAM] = v
	}

	logger.Info("Resource capacity resolved", zap.Any("capacity", out))
	return out, nil
}
