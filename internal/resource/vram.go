package resource

import (
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// DefaultTierCaps returns the fraction of total VRAM each priority may push usage to
func DefaultTierCaps() map[model.TaskPriority]float64 {
	return map[model.TaskPriority]float64{
		model.PriorityCritical: 0.8,
		model.PriorityHigh:     0.6,
		model.PriorityMedium:   0.4,
		model.PriorityLow:      0.2,
	}
}

// VRAMBudget tracks GPU-memory reservations against priority tier caps. It has
// no lock of its own; the allocator mutates it inside its critical section.
type VRAMBudget struct {
	total        float64
	caps         map[model.TaskPriority]float64
	reservations map[string]float64
	allocated    float64
}

// NewVRAMBudget creates a budget; missing tiers fall back to the default caps
func NewVRAMBudget(total float64, caps map[model.TaskPriority]float64) *VRAMBudget {
	merged := DefaultTierCaps()
	for p, c := range caps {
		merged[p] = c
	}
	return &VRAMBudget{
		total:        total,
		caps:         merged,
		reservations: make(map[string]float64),
	}
}

// Cap returns the usage ceiling for a priority, in VRAM units
func (b *VRAMBudget) Cap(priority model.TaskPriority) float64 {
	return b.caps[priority] * b.total
}

// Fits reports whether reserving amount keeps total usage within the priority's cap
func (b *VRAMBudget) Fits(amount float64, priority model.TaskPriority) bool {
	return b.allocated+amount <= b.Cap(priority)
}

func (b *VRAMBudget) reserve(id string, amount float64) {
	b.reservations[id] = amount
	b.allocated += amount
}

func (b *VRAMBudget) release(id string) {
	amount, ok := b.reservations[id]
	if !ok {
		return
	}
	delete(b.reservations, id)
	b.allocated -= amount
	if b.allocated < epsilon {
		b.allocated = 0
	}
}

// snapshot copies the budget; callers hold the allocator lock
func (b *VRAMBudget) snapshot() model.VRAMSnapshot {
	allocations := make(map[string]float64, len(b.reservations))
	for id, amount := range b.reservations {
		allocations[id] = amount
	}
	return model.VRAMSnapshot{
		Total:       b.total,
		Allocated:   b.allocated,
		Free:        b.total - b.allocated,
		Allocations: allocations,
	}
}
