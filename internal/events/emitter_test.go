package events

import (
	"context"
	"testing"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEmitter() (*Emitter, *InMemoryBus, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	bus := NewInMemoryBus(10)
	return NewEmitter(bus, logger, "hc-1000-aaaaaaaa"), bus, logs
}

func TestNewCorrelationID_MatchesExpectedFormat(t *testing.T) {
	id := NewCorrelationID(time.Unix(1000, 0))
	assert.Regexp(t, `^hc-\d+-[0-9a-f]{8}$`, id)
}

func TestEmit_StampsCorrelationIDWhenUnset(t *testing.T) {
	e, bus, _ := newTestEmitter()
	e.Emit(context.Background(), Event{Type: StateTransition, Result: actuation.Success})

	recent := bus.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "hc-1000-aaaaaaaa", recent[0].CorrelationID)
}

func TestEmit_FailureLogsAtErrorLevel(t *testing.T) {
	e, _, logs := newTestEmitter()
	e.Emit(context.Background(), Event{Type: BGPAdvertisementChange, Result: actuation.Failure})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestEmit_NoChangeLogsAtDebugLevel(t *testing.T) {
	e, _, logs := newTestEmitter()
	e.Emit(context.Background(), Event{Type: CloudflareRouteUpdate, Result: actuation.NoChange})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
}

func TestEmit_SuccessLogsAtInfoLevel(t *testing.T) {
	e, _, logs := newTestEmitter()
	e.Emit(context.Background(), Event{Type: HealthCheckResult, Result: actuation.Success})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestHealthCheckCycle_CarriesOperationResultDetails(t *testing.T) {
	e, bus, _ := newTestEmitter()
	e.HealthCheckCycle(context.Background(), 42, true, 1, 2, actuation.Skipped)

	recent := bus.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, HealthCheckCycle, recent[0].Type)
	assert.Equal(t, true, recent[0].Details["configuration.passive_mode"])
	assert.Equal(t, 1, recent[0].Details["operation_results.bgp_updates_skipped"])
	assert.Equal(t, 2, recent[0].Details["operation_results.cloudflare_updates_skipped"])
}

func TestBGPAdvertisementChange_RecordsErrorMessage(t *testing.T) {
	e, bus, _ := newTestEmitter()
	e.BGPAdvertisementChange(context.Background(), "us-central1", "router1", "10.0.0.0/24", true, actuation.Failure, assertErr("boom"))

	recent := bus.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "boom", recent[0].ErrorMessage)
}

type testError string

func (e testError) Error() string { return string(e) }

func assertErr(msg string) error { return testError(msg) }
