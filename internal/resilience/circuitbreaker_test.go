package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("gcp_health", 3, 100*time.Millisecond)

	failing := func() error { return errors.New("upstream down") }

	for i := 0; i < 3; i++ {
		err := cb.Call(failing)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	err := cb.Call(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_AdmitsProbeAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("gcp_bgp", 1, 20*time.Millisecond)

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.ErrorIs(t, cb.Call(func() error { return errors.New("boom") }), ErrCircuitOpen)

	time.Sleep(25 * time.Millisecond)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "probe call should be admitted once the timeout elapses")
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_FailedProbeExtendsOpenWindow(t *testing.T) {
	cb := NewCircuitBreaker("cloudflare", 1, 20*time.Millisecond)

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	time.Sleep(25 * time.Millisecond)

	require.Error(t, cb.Call(func() error { return errors.New("still down") }))
	assert.True(t, cb.IsOpen(), "a failed probe should re-open the breaker rather than closing it")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("gcp_advertisement", 3, time.Second)

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.NoError(t, cb.Call(func() error { return nil }))

	// Two more failures should not be enough to open, since the success
	// above reset the counter.
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	assert.False(t, cb.IsOpen())
}

func TestRegistry_ReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(nil)

	a := r.Get("gcp_health", 5, time.Minute)
	b := r.Get("gcp_health", 99, time.Hour) // thresholds ignored on repeat lookup

	assert.Same(t, a, b)

	snap := r.Snapshot()
	assert.Contains(t, snap, "gcp_health")
	assert.False(t, snap["gcp_health"])
}
