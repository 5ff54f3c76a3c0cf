package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/events"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"github.com/mancow2001/mt-gcp-router-management/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGCP struct {
	calls  int
	result actuation.Result
	err    error
}

func (f *fakeGCP) SetAdvertisement(ctx context.Context, region, router, prefix string, desired *bool) (actuation.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeCF struct {
	calls  int
	result actuation.Result
	err    error
}

func (f *fakeCF) SetPriority(ctx context.Context, descSubstring string, desiredPriority int) (actuation.Result, error) {
	f.calls++
	return f.result, f.err
}

func newTestActuator(gcp GCPAdvertiser, cf CloudflarePriorityUpdater, passive bool) *Actuator {
	breakers := resilience.NewRegistry(zap.NewNop())
	policy := resilience.NewPolicy(0, time.Millisecond, time.Millisecond, 2.0)
	bus := events.NewInMemoryBus(10)
	emit := events.NewEmitter(bus, zap.NewNop(), "hc-1-aaaaaaaa")
	return New(gcp, cf, breakers, 5, time.Minute, policy, policy, time.Second, emit, WithPassiveMode(passive))
}

func testTargets() Targets {
	return Targets{
		LocalRegion: "us-central1", LocalRouter: "router1", PrimaryPrefix: "10.0.0.0/24",
		RemoteRegion: "us-east1", RemoteRouter: "router2", SecondaryPrefix: "10.0.1.0/24",
		DescriptionSubstring: "primary-dc", PrimaryPriority: 100, SecondaryPriority: 200,
	}
}

func TestApply_NoopPlanSkipsAllWrites(t *testing.T) {
	gcp := &fakeGCP{result: actuation.Success}
	cf := &fakeCF{result: actuation.Success}
	a := newTestActuator(gcp, cf, false)

	outcome := a.Apply(context.Background(), state.PlanFor(state.Uncommitted), testTargets())

	assert.Equal(t, actuation.Skipped, outcome.Primary)
	assert.Equal(t, actuation.Skipped, outcome.Secondary)
	assert.Equal(t, actuation.Skipped, outcome.Priority)
	assert.Equal(t, 0, gcp.calls)
	assert.Equal(t, 0, cf.calls)
}

func TestApply_PassiveModeSkipsWritesButRecordsOutcome(t *testing.T) {
	gcp := &fakeGCP{result: actuation.Success}
	cf := &fakeCF{result: actuation.Success}
	a := newTestActuator(gcp, cf, true)

	outcome := a.Apply(context.Background(), state.PlanFor(state.BothHealthyBGPUp), testTargets())

	assert.Equal(t, actuation.Skipped, outcome.Primary)
	assert.Equal(t, actuation.Skipped, outcome.Secondary)
	assert.Equal(t, actuation.Skipped, outcome.Priority)
	assert.Equal(t, 0, gcp.calls, "passive mode must not call the GCP client")
	assert.Equal(t, 0, cf.calls, "passive mode must not call the Cloudflare client")
}

func TestApply_ActiveModeCallsClientsForNonNoopOperations(t *testing.T) {
	gcp := &fakeGCP{result: actuation.Success}
	cf := &fakeCF{result: actuation.Success}
	a := newTestActuator(gcp, cf, false)

	outcome := a.Apply(context.Background(), state.PlanFor(state.BothHealthyBGPUp), testTargets())

	assert.Equal(t, actuation.Success, outcome.Primary)
	assert.Equal(t, actuation.Success, outcome.Secondary)
	assert.Equal(t, actuation.Success, outcome.Priority)
	assert.Equal(t, 2, gcp.calls, "state 1 calls both prefix advertisements")
	assert.Equal(t, 1, cf.calls)
}

func TestApply_OneWriteFailureDoesNotCancelOthers(t *testing.T) {
	gcp := &fakeGCP{result: actuation.Failure, err: errors.New("boom")}
	cf := &fakeCF{result: actuation.Success}
	a := newTestActuator(gcp, cf, false)

	outcome := a.Apply(context.Background(), state.PlanFor(state.BothHealthyBGPUp), testTargets())

	assert.Equal(t, actuation.Failure, outcome.Primary)
	assert.Equal(t, actuation.Failure, outcome.Secondary)
	assert.Equal(t, actuation.Success, outcome.Priority)
	require.Equal(t, 1, cf.calls)
}

func TestOutcome_SkippedCountsOnlySkippedFields(t *testing.T) {
	o := Outcome{Primary: actuation.Skipped, Secondary: actuation.Success, Priority: actuation.Skipped}
	assert.Equal(t, 2, o.Skipped())
}
