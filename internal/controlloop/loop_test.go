package controlloop

import (
	"context"
	"testing"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/actuator"
	"github.com/mancow2001/mt-gcp-router-management/internal/events"
	"github.com/mancow2001/mt-gcp-router-management/internal/health"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"github.com/mancow2001/mt-gcp-router-management/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend and fakeBGP let each test tick script an exact sequence of
// probe outcomes, mirroring the in-memory fakes §9 calls for.
type fakeBackend struct {
	queue map[string][]health.Signal
}

func (f *fakeBackend) ProbeBackends(_ context.Context, region string) (health.Signal, error) {
	q := f.queue[region]
	if len(q) == 0 {
		return health.Healthy, nil
	}
	sig := q[0]
	f.queue[region] = q[1:]
	return sig, nil
}

type fakeBGP struct {
	queue []health.Signal
}

func (f *fakeBGP) ProbeBGP(_ context.Context, _, _ string) (health.Signal, error) {
	if len(f.queue) == 0 {
		return health.Healthy, nil
	}
	sig := f.queue[0]
	f.queue = f.queue[1:]
	return sig, nil
}

type fakeGCP struct{ calls int }

func (f *fakeGCP) SetAdvertisement(_ context.Context, _, _, _ string, desired *bool) (actuation.Result, error) {
	if desired == nil {
		return actuation.Skipped, nil
	}
	f.calls++
	return actuation.Success, nil
}

type fakeCF struct{ calls int }

func (f *fakeCF) SetPriority(_ context.Context, _ string, _ int) (actuation.Result, error) {
	f.calls++
	return actuation.Success, nil
}

func newTestLoop(t *testing.T, backend *fakeBackend, bgp *fakeBGP, verificationThresholds map[int]int, minDwell time.Duration, passive bool) *Loop {
	t.Helper()

	breakers := resilience.NewRegistry(zap.NewNop())
	noRetry := resilience.NewPolicy(0, time.Millisecond, time.Millisecond, 2)
	bus := events.NewInMemoryBus(64)

	act := actuator.New(&fakeGCP{}, &fakeCF{}, breakers, 5, time.Minute, noRetry, noRetry, time.Second,
		events.NewEmitter(bus, zap.NewNop(), "seed"), actuator.WithPassiveMode(passive))

	cfg := Config{
		CheckInterval:        time.Hour,
		MaxConsecutiveErrors: 10,
		BreakerThreshold:     5,
		BreakerTimeout:       time.Minute,
		BackendTimeout:       time.Second,
		BGPTimeout:           time.Second,
		LocalRegion:          "us-central1",
		RemoteRegion:         "us-east1",
		BGPTarget:            BGPTarget{Region: "us-central1", Router: "router1"},
	}

	targets := actuator.Targets{
		LocalRegion: "us-central1", LocalRouter: "router1", PrimaryPrefix: "10.0.0.0/24",
		RemoteRegion: "us-east1", RemoteRouter: "router2", SecondaryPrefix: "10.0.1.0/24",
		DescriptionSubstring: "primary-dc", PrimaryPriority: 100, SecondaryPriority: 200,
	}

	localHyst := health.NewHysteresis(5, 3, health.Symmetric)
	remoteHyst := health.NewHysteresis(5, 3, health.Symmetric)
	bgpHyst := health.NewHysteresis(5, 3, health.Symmetric)
	verification := health.NewVerification(verificationThresholds)
	dwell := health.NewDwell(minDwell)

	return New(cfg, backend, bgp, localHyst, remoteHyst, bgpHyst, verification, dwell,
		breakers, noRetry, noRetry, act, targets, bus, zap.NewNop())
}

func healthyBoth() *fakeBackend {
	return &fakeBackend{queue: map[string][]health.Signal{}}
}

func TestTick_SteadyHealthyStateProducesNoChangeWrites(t *testing.T) {
	backend := healthyBoth()
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 2, 3: 2, 4: 2}, 120*time.Second, false)
	l.committed = state.BothHealthyBGPUp
	l.committedSince = time.Now().Add(-time.Hour)

	l.tick(context.Background(), time.Now())

	assert.Equal(t, state.BothHealthyBGPUp, l.Committed())
}

func TestTick_TransientBlipDoesNotFlipCommittedState(t *testing.T) {
	backend := &fakeBackend{queue: map[string][]health.Signal{
		"us-central1": {health.Healthy, health.Healthy, health.Healthy, health.Unhealthy, health.Healthy},
	}}
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 2, 3: 2, 4: 2}, 120*time.Second, false)
	l.committed = state.BothHealthyBGPUp
	l.committedSince = time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		l.tick(context.Background(), time.Now())
	}

	assert.Equal(t, state.BothHealthyBGPUp, l.Committed(), "one blip among five healthy reads must not flip the committed state")
}

func TestTick_State4RequiresConsecutiveVerification(t *testing.T) {
	backend := &fakeBackend{queue: map[string][]health.Signal{
		"us-central1": {health.Unhealthy, health.Unhealthy},
		"us-east1":    {health.Unhealthy, health.Unhealthy},
	}}
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 2, 3: 2, 4: 2}, 120*time.Second, false)
	l.committed = state.BothHealthyBGPUp
	l.committedSince = time.Now().Add(-time.Hour)
	// warm up hysteresis windows to bypass the symmetric 5-wide window delay
	for i := 0; i < 5; i++ {
		l.localHyst.Observe(false)
		l.remoteHyst.Observe(false)
		l.bgpHyst.Observe(true)
	}
	backend.queue["us-central1"] = []health.Signal{health.Unhealthy, health.Unhealthy}
	backend.queue["us-east1"] = []health.Signal{health.Unhealthy, health.Unhealthy}

	l.tick(context.Background(), time.Now())
	assert.Equal(t, state.BothHealthyBGPUp, l.Committed(), "first observation of state 4 must only accumulate verification")

	l.tick(context.Background(), time.Now())
	assert.Equal(t, state.BothDownBGPUp, l.Committed(), "second consecutive observation must commit state 4")
}

func TestTick_DwellGateBlocksNonExceptionTransitionUntilElapsed(t *testing.T) {
	backend := &fakeBackend{queue: map[string][]health.Signal{
		"us-east1": {health.Unhealthy},
	}}
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 1, 3: 1, 4: 1}, 120*time.Second, false)
	l.committed = state.LocalDownBGPUp // state 2, not in default exception set {1,4}
	now := time.Now()
	l.committedSince = now

	l.tick(context.Background(), now.Add(30*time.Second))
	assert.Equal(t, state.LocalDownBGPUp, l.Committed(), "transition before min_dwell must be blocked")

	backend.queue["us-east1"] = []health.Signal{health.Unhealthy}
	l.tick(context.Background(), now.Add(120*time.Second))
	assert.Equal(t, state.RemoteDownBGPUp, l.Committed(), "transition at exactly min_dwell must be admitted")
}

func TestTick_ExceptionStateBypassesDwell(t *testing.T) {
	backend := &fakeBackend{queue: map[string][]health.Signal{
		"us-central1": {health.Unhealthy},
		"us-east1":    {health.Unhealthy},
	}}
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 1, 3: 1, 4: 1}, 120*time.Second, false)
	l.committed = state.LocalDownBGPUp // state 2
	now := time.Now()
	l.committedSince = now

	l.tick(context.Background(), now.Add(10*time.Second))

	assert.Equal(t, state.BothDownBGPUp, l.Committed(), "state 4 is in the default exception set and must bypass dwell")
}

func TestTick_UnknownProbeForcesStateZeroAndLeavesHysteresisUntouched(t *testing.T) {
	backend := healthyBoth()
	bgp := &fakeBGP{queue: []health.Signal{health.Unknown}}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 1, 3: 1, 4: 1}, 0, false)
	l.committed = state.BothHealthyBGPUp
	l.committedSince = time.Now().Add(-time.Hour)

	lenBefore := l.localHyst.Len()
	l.tick(context.Background(), time.Now())

	assert.Equal(t, state.BothHealthyBGPUp, l.Committed(), "an unknown probe must never drive a committed transition")
	assert.Equal(t, lenBefore, l.localHyst.Len(), "hysteresis windows must not be touched on an unknown tick")
}

func TestTick_PassiveModeNeverCallsActuationWrites(t *testing.T) {
	backend := &fakeBackend{queue: map[string][]health.Signal{
		"us-central1": {health.Unhealthy, health.Unhealthy, health.Unhealthy, health.Unhealthy, health.Unhealthy},
		"us-east1":    {health.Unhealthy, health.Unhealthy, health.Unhealthy, health.Unhealthy, health.Unhealthy},
	}}
	bgp := &fakeBGP{}
	gcp := &fakeGCP{}
	cf := &fakeCF{}

	breakers := resilience.NewRegistry(zap.NewNop())
	noRetry := resilience.NewPolicy(0, time.Millisecond, time.Millisecond, 2)
	bus := events.NewInMemoryBus(64)
	act := actuator.New(gcp, cf, breakers, 5, time.Minute, noRetry, noRetry, time.Second,
		events.NewEmitter(bus, zap.NewNop(), "seed"), actuator.WithPassiveMode(true))

	cfg := Config{
		CheckInterval: time.Hour, MaxConsecutiveErrors: 10, BreakerThreshold: 5, BreakerTimeout: time.Minute,
		BackendTimeout: time.Second, BGPTimeout: time.Second,
		LocalRegion: "us-central1", RemoteRegion: "us-east1",
		BGPTarget: BGPTarget{Region: "us-central1", Router: "router1"},
	}
	targets := actuator.Targets{
		LocalRegion: "us-central1", LocalRouter: "router1", PrimaryPrefix: "10.0.0.0/24",
		RemoteRegion: "us-east1", RemoteRouter: "router2", SecondaryPrefix: "10.0.1.0/24",
		DescriptionSubstring: "primary-dc", PrimaryPriority: 100, SecondaryPriority: 200,
	}
	l := New(cfg, backend, bgp,
		health.NewHysteresis(5, 3, health.Symmetric), health.NewHysteresis(5, 3, health.Symmetric), health.NewHysteresis(5, 3, health.Symmetric),
		health.NewVerification(map[int]int{2: 1, 3: 1, 4: 1}), health.NewDwell(0),
		breakers, noRetry, noRetry, act, targets, bus, zap.NewNop())

	for i := 0; i < 5; i++ {
		l.tick(context.Background(), time.Now())
	}

	assert.Equal(t, 0, gcp.calls, "passive mode must never call the GCP advertisement write")
	assert.Equal(t, 0, cf.calls, "passive mode must never call the Cloudflare priority write")
}

func TestRun_StopsCleanlyOnContextCancellation(t *testing.T) {
	backend := healthyBoth()
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 2, 3: 2, 4: 2}, 120*time.Second, false)
	l.cfg.CheckInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Run(ctx)
	require.NoError(t, err)
}

func TestRun_ExitsWithErrorAfterMaxConsecutiveTickFailures(t *testing.T) {
	backend := healthyBoth()
	bgp := &fakeBGP{}
	l := newTestLoop(t, backend, bgp, map[int]int{2: 2, 3: 2, 4: 2}, 120*time.Second, false)
	l.cfg.CheckInterval = time.Millisecond
	l.cfg.MaxConsecutiveErrors = 3
	// force every tick to panic by making the dwell gate dependency nil
	l.dwell = nil

	err := l.Run(context.Background())
	require.Error(t, err)
}
