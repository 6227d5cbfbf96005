package resource

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
)

// epsilon absorbs float drift when releases bring a pool back to empty. Grants
// are checked without it so allocated never exceeds total.
const epsilon = 1e-9

// Config defines the resource pools
type Config struct {
	// Capacity is the total of each resource kind. The vram entry also sizes the VRAM budget.
	Capacity map[string]float64
	// TierCaps overrides the VRAM fraction per priority
	TierCaps map[model.TaskPriority]float64
	// HistorySize bounds the allocation history
	HistorySize int
}

// Request describes an allocation
type Request struct {
	ID        string
	Owner     string
	Resources map[string]float64
	Priority  model.TaskPriority
	// TTL makes the allocation eligible for ExpireStale once elapsed; zero never expires
	TTL time.Duration
}

type pool struct {
	total     float64
	allocated float64
}

// Allocator owns every resource pool and the VRAM budget. Checks and commits of
// one request happen under a single lock so readers never see a partial grant.
type Allocator struct {
	logger   *zap.Logger
	recorder telemetry.Recorder

	mu          sync.RWMutex
	pools       map[string]*pool
	vram        *VRAMBudget
	allocations map[string]*model.ResourceAllocation
	history     []model.ResourceAllocation
	historySize int
	now         func() time.Time
}

// NewAllocator creates a new allocator
func NewAllocator(config Config, recorder telemetry.Recorder, logger *zap.Logger) *Allocator {
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}

	pools := make(map[string]*pool, len(config.Capacity))
	for kind, total := range config.Capacity {
		if total < 0 {
			total = 0
		}
		pools[kind] = &pool{total: total}
	}

	a := &Allocator{
		logger:      logger.Named("resource-allocator"),
		recorder:    recorder,
		pools:       pools,
		vram:        NewVRAMBudget(config.Capacity[model.ResourceVRAM], config.TierCaps),
		allocations: make(map[string]*model.ResourceAllocation),
		historySize: config.HistorySize,
		now:         time.Now,
	}

	kinds := make([]string, 0, len(pools))
	for kind := range pools {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	a.logger.Info("Resource pools configured",
		zap.Strings("kinds", kinds),
		zap.Float64("vram_total", a.vram.total))

	return a
}

// Allocate reserves every requested kind or none of them. It satisfies the
// scheduler's Reserver.
func (a *Allocator) Allocate(allocationID string, resources map[string]float64, priority model.TaskPriority) error {
	return a.Reserve(Request{ID: allocationID, Resources: resources, Priority: priority})
}

// Reserve validates and commits an allocation request
func (a *Allocator) Reserve(req Request) error {
	if err := validateRequest(req); err != nil {
		a.reject(req, "invalid", err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocations[req.ID]; ok {
		err := fmt.Errorf("%w: %s", ErrDuplicateAllocation, req.ID)
		a.reject(req, "duplicate", err)
		return err
	}

	// Check every kind before committing any of them
	for kind, amount := range req.Resources {
		p, ok := a.pools[kind]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownResource, kind)
			a.reject(req, "unknown_resource", err)
			return err
		}
		if p.allocated+amount > p.total {
			err := fmt.Errorf("%w: %s requested %.2f, available %.2f",
				ErrInsufficientCapacity, kind, amount, p.total-p.allocated)
			a.reject(req, "capacity", err)
			return err
		}
	}

	if amount, ok := req.Resources[model.ResourceVRAM]; ok && !a.vram.Fits(amount, req.Priority) {
		err := fmt.Errorf("%w: %s requested %.2f, %s ceiling %.2f, in use %.2f",
			ErrVRAMTierCap, model.ResourceVRAM, amount, req.Priority, a.vram.Cap(req.Priority), a.vram.allocated)
		a.reject(req, "vram_tier_cap", err)
		return err
	}

	now := a.now()
	alloc := &model.ResourceAllocation{
		ID:          req.ID,
		Resources:   make(map[string]float64, len(req.Resources)),
		Owner:       req.Owner,
		Priority:    req.Priority,
		AllocatedAt: now,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		alloc.ExpiresAt = &expires
	}
	for kind, amount := range req.Resources {
		a.pools[kind].allocated += amount
		alloc.Resources[kind] = amount
	}
	if amount, ok := req.Resources[model.ResourceVRAM]; ok {
		a.vram.reserve(req.ID, amount)
	}
	a.allocations[req.ID] = alloc
	a.appendHistory(*alloc)

	a.recorder.AllocationAttempt(true, "ok")
	a.recordUtilization(req.Resources)

	a.logger.Info("Resources allocated",
		zap.String("allocation_id", req.ID),
		zap.String("owner", req.Owner),
		zap.String("priority", req.Priority.String()),
		zap.Any("resources", req.Resources))

	return nil
}

// Fundable reports whether a request could be granted on an idle allocator: every
// kind has a pool, no amount exceeds its pool total and vram stays within the
// priority's cap. A request that fails here can never be granted.
func (a *Allocator) Fundable(resources map[string]float64, priority model.TaskPriority) error {
	if err := validateAmounts(resources); err != nil {
		return err
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidRequest, int(priority))
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for kind, amount := range resources {
		p, ok := a.pools[kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, kind)
		}
		if amount > p.total {
			return fmt.Errorf("%w: %s requested %.2f, total %.2f", ErrExceedsTotal, kind, amount, p.total)
		}
	}
	if amount, ok := resources[model.ResourceVRAM]; ok && amount > a.vram.Cap(priority) {
		return fmt.Errorf("%w: %s requested %.2f, %s ceiling %.2f",
			ErrVRAMTierCap, model.ResourceVRAM, amount, priority, a.vram.Cap(priority))
	}
	return nil
}

// Release frees an allocation. Unknown or already released ids are a no-op.
func (a *Allocator) Release(allocationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(allocationID)
}

func (a *Allocator) release(allocationID string) {
	alloc, ok := a.allocations[allocationID]
	if !ok {
		a.logger.Debug("Release of unknown allocation ignored",
			zap.String("allocation_id", allocationID))
		return
	}

	for kind, amount := range alloc.Resources {
		p := a.pools[kind]
		p.allocated -= amount
		if p.allocated < epsilon {
			p.allocated = 0
		}
	}
	a.vram.release(allocationID)
	delete(a.allocations, allocationID)
	a.recordUtilization(alloc.Resources)

	a.logger.Info("Resources released",
		zap.String("allocation_id", allocationID),
		zap.String("owner", alloc.Owner))
}

// ExpireStale releases allocations whose TTL has elapsed and returns their ids
func (a *Allocator) ExpireStale() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var expired []string
	for id, alloc := range a.allocations {
		if alloc.ExpiresAt != nil && now.After(*alloc.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		a.logger.Warn("Allocation expired", zap.String("allocation_id", id))
		a.release(id)
	}
	return expired
}

// Get returns a copy of a live allocation
func (a *Allocator) Get(allocationID string) (model.ResourceAllocation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	alloc, ok := a.allocations[allocationID]
	if !ok {
		return model.ResourceAllocation{}, false
	}
	return copyAllocation(*alloc), true
}

// Status returns a consistent view of every pool and the VRAM budget
func (a *Allocator) Status() model.ResourceStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	status := model.ResourceStatus{
		Pools: make(map[string]model.PoolStatus, len(a.pools)),
		VRAM:  a.vram.snapshot(),
	}
	for kind, p := range a.pools {
		status.Pools[kind] = poolStatus(p)
	}
	return status
}

// History returns committed allocations, oldest first
func (a *Allocator) History() []model.ResourceAllocation {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.ResourceAllocation, len(a.history))
	for i, alloc := range a.history {
		out[i] = copyAllocation(alloc)
	}
	return out
}

func (a *Allocator) appendHistory(alloc model.ResourceAllocation) {
	a.history = append(a.history, copyAllocation(alloc))
	if over := len(a.history) - a.historySize; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
}

func (a *Allocator) recordUtilization(resources map[string]float64) {
	for kind := range resources {
		a.recorder.ResourceUtilization(kind, poolStatus(a.pools[kind]).Utilization)
	}
}

func (a *Allocator) reject(req Request, reason string, err error) {
	a.recorder.AllocationAttempt(false, reason)
	a.logger.Info("Allocation denied",
		zap.String("allocation_id", req.ID),
		zap.String("priority", req.Priority.String()),
		zap.String("reason", reason),
		zap.Error(err))
}

func validateRequest(req Request) error {
	if req.ID == "" {
		return fmt.Errorf("%w: allocation id is required", ErrInvalidRequest)
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidRequest, int(req.Priority))
	}
	return validateAmounts(req.Resources)
}

func validateAmounts(resources map[string]float64) error {
	if len(resources) == 0 {
		return fmt.Errorf("%w: no resources requested", ErrInvalidRequest)
	}
	for kind, amount := range resources {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive and finite", ErrInvalidRequest, kind)
		}
	}
	return nil
}

func poolStatus(p *pool) model.PoolStatus {
	s := model.PoolStatus{
		Total:     p.total,
		Allocated: p.allocated,
		Available: p.total - p.allocated,
	}
	if p.total > 0 {
		s.Utilization = p.allocated / p.total
	}
	return s
}

func copyAllocation(alloc model.ResourceAllocation) model.ResourceAllocation {
	resources := make(map[string]float64, len(alloc.Resources))
	for k, v := range alloc.Resources {
		resources[k] = v
	}
	alloc.Resources = resources
	if alloc.ExpiresAt != nil {
		expires := *alloc.ExpiresAt
		alloc.ExpiresAt = &expires
	}
	return alloc
}
