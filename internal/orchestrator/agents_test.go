package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func TestAgentRegistry(t *testing.T) {
	r := NewAgentRegistry(10*time.Second, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	first := r.Register("llm", "tcp://a", "")
	assert.Equal(t, model.AgentStatusHealthy, first.Status)

	now = now.Add(time.Second)
	again := r.Register("llm", "tcp://b", "http://b/health")
	assert.Equal(t, first.RegisteredAt, again.RegisteredAt)
	assert.Equal(t, "tcp://b", again.Endpoint)
	assert.Len(t, r.List(), 1)

	assert.ErrorIs(t, r.Heartbeat("ghost", model.HealthStatusHealthy), ErrUnknownAgent)

	require.NoError(t, r.Heartbeat("llm", model.HealthStatusUnhealthy))
	agent, err := r.Get("llm")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusUnhealthy, agent.Status)
	assert.Equal(t, model.HealthStatusUnhealthy, agent.LastReport)

	r.Register("vision", "", "")

	now = now.Add(5 * time.Second)
	assert.Empty(t, r.CheckHealth())

	now = now.Add(6 * time.Second)
	assert.Equal(t, []string{"llm", "vision"}, r.CheckHealth())
	assert.Empty(t, r.CheckHealth())

	// A heartbeat brings an offline agent back
	require.NoError(t, r.Heartbeat("vision", model.HealthStatusDegraded))
	agent, err = r.Get("vision")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusHealthy, agent.Status)

	r.Unregister("vision")
	_, err = r.Get("vision")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, time.Duration(d))

	require.NoError(t, json.Unmarshal([]byte(`45`), &d))
	assert.Equal(t, 45*time.Second, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(data))
}
