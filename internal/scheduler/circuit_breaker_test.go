package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, timeout time.Duration) (*BreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	}, nil, zap.NewNop())
	r.now = clock.Now
	return r, clock
}

func TestBreakerRegistry_UnknownTypeIsClosed(t *testing.T) {
	r, _ := newTestBreakers(3, time.Minute)

	assert.True(t, r.CanExecute("never-seen"))
	assert.Equal(t, model.BreakerClosed, r.State("never-seen"))
	assert.Empty(t, r.Snapshot())
}

func TestBreakerRegistry_OpensAtThreshold(t *testing.T) {
	r, clock := newTestBreakers(3, time.Minute)

	r.RecordFailure("inference")
	r.RecordFailure("inference")
	require.True(t, r.CanExecute("inference"))
	require.Equal(t, model.BreakerClosed, r.State("inference"))

	r.RecordFailure("inference")
	require.Equal(t, model.BreakerOpen, r.State("inference"))
	require.False(t, r.CanExecute("inference"))

	// Other types are unaffected
	assert.True(t, r.CanExecute("translation"))

	t.Run("StaysOpenUntilTimeout", func(t *testing.T) {
		clock.Advance(time.Minute)
		assert.False(t, r.CanExecute("inference"))
	})

	t.Run("HalfOpenAfterTimeout", func(t *testing.T) {
		clock.Advance(time.Second)
		assert.True(t, r.CanExecute("inference"))
		assert.Equal(t, model.BreakerHalfOpen, r.State("inference"))
	})

	t.Run("SuccessCloses", func(t *testing.T) {
		r.RecordSuccess("inference")
		snap := r.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, model.BreakerClosed, snap[0].State)
		assert.Equal(t, 0, snap[0].Failures)
	})
}

func TestBreakerRegistry_FailureInHalfOpenReopens(t *testing.T) {
	r, clock := newTestBreakers(2, 10*time.Second)

	r.RecordFailure("vision")
	r.RecordFailure("vision")
	clock.Advance(11 * time.Second)
	require.True(t, r.CanExecute("vision"))
	require.Equal(t, model.BreakerHalfOpen, r.State("vision"))

	r.RecordFailure("vision")
	assert.Equal(t, model.BreakerOpen, r.State("vision"))
	assert.False(t, r.CanExecute("vision"))
}

func TestBreakerRegistry_FailureWhileOpenRestartsWindow(t *testing.T) {
	r, clock := newTestBreakers(1, 10*time.Second)

	r.RecordFailure("speech")
	clock.Advance(8 * time.Second)
	r.RecordFailure("speech")

	// The window is measured from the second failure
	clock.Advance(8 * time.Second)
	assert.False(t, r.CanExecute("speech"))

	clock.Advance(3 * time.Second)
	assert.True(t, r.CanExecute("speech"))
}

func TestBreakerRegistry_Defaults(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{}, nil, zap.NewNop())
	assert.Equal(t, DefaultBreakerConfig(), r.config)
}
