package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

type countingProbe struct {
	calls atomic.Int32
	fail  bool
}

func (p *countingProbe) Sample(context.Context) (model.HostStats, error) {
	n := p.calls.Add(1)
	if p.fail {
		return model.HostStats{}, errors.New("probe unavailable")
	}
	return model.HostStats{CPUPercent: float64(n), CollectedAt: time.Now()}, nil
}

func TestMetricsCollector_Collects(t *testing.T) {
	probe := &countingProbe{}
	c := NewMetricsCollector(probe, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	latest := c.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 1.0, latest.CPUPercent)

	require.Eventually(t, func() bool {
		return probe.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestMetricsCollector_ProbeErrorKeepsPrevious(t *testing.T) {
	probe := &countingProbe{}
	c := NewMetricsCollector(probe, time.Hour, zap.NewNop())

	c.Collect(context.Background())
	probe.fail = true
	c.Collect(context.Background())

	latest := c.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 1.0, latest.CPUPercent)
}

func TestSystemProbe(t *testing.T) {
	stats, err := SystemProbe{}.Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MemoryPercent, 0.0)
	assert.False(t, stats.CollectedAt.IsZero())
}
