package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// AgentRegistry tracks registered worker agents and their heartbeats
type AgentRegistry struct {
	logger  *zap.Logger
	timeout time.Duration
	mu      sync.RWMutex
	agents  map[string]*model.Agent
	now     func() time.Time
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry(timeout time.Duration, logger *zap.Logger) *AgentRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AgentRegistry{
		logger:  logger.Named("agent-registry"),
		timeout: timeout,
		agents:  make(map[string]*model.Agent),
		now:     time.Now,
	}
}

// Register adds an agent or refreshes the endpoints of a known one
func (r *AgentRegistry) Register(name, endpoint, healthEndpoint string) model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	agent, exists := r.agents[name]
	if !exists {
		agent = &model.Agent{Name: name, RegisteredAt: now}
		r.agents[name] = agent
	}
	agent.Endpoint = endpoint
	agent.HealthEndpoint = healthEndpoint
	agent.Status = model.AgentStatusHealthy
	agent.LastHeartbeat = now

	r.logger.Info("Agent registered",
		zap.String("agent", name),
		zap.String("endpoint", endpoint),
		zap.Bool("re_registered", exists))

	return *agent
}

// Unregister removes an agent
func (r *AgentRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		delete(r.agents, name)
		r.logger.Info("Agent unregistered", zap.String("agent", name))
	}
}

// Heartbeat records a health report from an agent
func (r *AgentRegistry) Heartbeat(name string, status model.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}

	agent.LastHeartbeat = r.now()
	agent.LastReport = status
	if status == model.HealthStatusUnhealthy {
		agent.Status = model.AgentStatusUnhealthy
	} else {
		agent.Status = model.AgentStatusHealthy
	}
	return nil
}

// Get returns a copy of an agent
func (r *AgentRegistry) Get(name string) (model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return *agent, nil
}

// List returns every agent sorted by name
func (r *AgentRegistry) List() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckHealth marks agents whose heartbeat is older than the timeout as offline
// and returns the names that went silent in this check
func (r *AgentRegistry) CheckHealth() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var silent []string
	for name, agent := range r.agents {
		if now.Sub(agent.LastHeartbeat) <= r.timeout || agent.Status == model.AgentStatusOffline {
			continue
		}
		agent.Status = model.AgentStatusOffline
		silent = append(silent, name)
		r.logger.Warn("Agent marked as offline",
			zap.String("agent", name),
			zap.Time("last_heartbeat", agent.LastHeartbeat))
	}
	sort.Strings(silent)
	return silent
}
