package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func TestPrometheusRecorder(t *testing.T) {
	r := NewPrometheusRecorder()

	r.AllocationAttempt(true, "ok")
	r.AllocationAttempt(false, "vram_tier_cap")
	r.AllocationAttempt(false, "vram_tier_cap")
	r.BreakerState("inference", model.BreakerOpen)
	r.QueueDepth("HIGH", 3)
	r.RecoveryAttempt(model.TierClearAndRestart, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.allocations.WithLabelValues("true", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.allocations.WithLabelValues("false", "vram_tier_cap")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues("inference")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recoveries.WithLabelValues("2", "true")))

	t.Run("Handler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		require.Equal(t, 200, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "fleet_resources_allocations_total"))
	})
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.QueueDepth("LOW", 1)
}
