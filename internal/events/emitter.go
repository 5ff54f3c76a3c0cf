package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"go.uber.org/zap"
)

// NewCorrelationID returns a correlation id of the form
// "hc-<unix-seconds>-<8 hex chars>", used to tie together every event
// emitted during a single health-check tick. The random suffix comes from
// a UUIDv4, truncated for log readability.
func NewCorrelationID(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("hc-%d-%s", now.Unix(), id.String()[:8])
}

// Emitter is the control loop's handle on event publication: it fixes the
// correlation id for a tick and supplies typed convenience methods
// mirroring the daemon's structured event vocabulary.
type Emitter struct {
	bus           Bus
	logger        *zap.Logger
	correlationID string
}

// NewEmitter builds an Emitter bound to bus and logger. CorrelationID is
// fixed for the lifetime of the Emitter; callers create one Emitter per
// health-check tick, or derive one from a longer-lived Emitter via
// WithCorrelationID.
func NewEmitter(bus Bus, logger *zap.Logger, correlationID string) *Emitter {
	return &Emitter{bus: bus, logger: logger, correlationID: correlationID}
}

// CorrelationID returns the id this emitter stamps on every event.
func (e *Emitter) CorrelationID() string {
	return e.correlationID
}

// WithCorrelationID returns a copy of this Emitter stamping id on every
// event instead. Used to align a long-lived collaborator's events (e.g.
// the actuator's) with the correlation id of the tick driving it.
func (e *Emitter) WithCorrelationID(id string) *Emitter {
	return &Emitter{bus: e.bus, logger: e.logger, correlationID: id}
}

func levelFor(result actuation.Result) zapcoreLevel {
	switch result {
	case actuation.Failure:
		return levelError
	case actuation.NoChange:
		return levelDebug
	default:
		return levelInfo
	}
}

// zapcoreLevel avoids importing zapcore solely for the three levels this
// package uses.
type zapcoreLevel int

const (
	levelDebug zapcoreLevel = iota
	levelInfo
	levelError
)

func (e *Emitter) log(level zapcoreLevel, msg string, fields ...zap.Field) {
	switch level {
	case levelError:
		e.logger.Error(msg, fields...)
	case levelDebug:
		e.logger.Debug(msg, fields...)
	default:
		e.logger.Info(msg, fields...)
	}
}

// Emit publishes event to the bus and writes a structured log line at a
// level derived from event.Result (ERROR for FAILURE, DEBUG for NO_CHANGE,
// INFO otherwise), stamping the emitter's correlation id if unset.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = e.correlationID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("result", event.Result.String()),
		zap.String("component", event.Component),
		zap.String("operation", event.Operation),
	}
	if event.DurationMS > 0 {
		fields = append(fields, zap.Int64("duration_ms", event.DurationMS))
	}
	if event.ErrorMessage != "" {
		fields = append(fields, zap.String("error_message", event.ErrorMessage))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.Any(k, v))
	}

	e.log(levelFor(event.Result), string(event.Type), fields...)
	e.bus.Publish(ctx, event)
}

// HealthCheckCycle records the outcome of one full tick.
func (e *Emitter) HealthCheckCycle(ctx context.Context, durationMS int64, passiveMode bool, bgpSkipped, cfSkipped int, result actuation.Result) {
	e.Emit(ctx, Event{
		Type:       HealthCheckCycle,
		DurationMS: durationMS,
		Result:     result,
		Component:  "control_loop",
		Operation:  "tick",
		Details: map[string]any{
			"configuration.passive_mode":               passiveMode,
			"operation_results.bgp_updates_skipped":     bgpSkipped,
			"operation_results.cloudflare_updates_skipped": cfSkipped,
		},
	})
}

// StateTransition records a committed state change.
func (e *Emitter) StateTransition(ctx context.Context, from, to string) {
	e.Emit(ctx, Event{
		Type:      StateTransition,
		Result:    actuation.Success,
		Component: "state",
		Operation: "transition",
		Details: map[string]any{
			"from_state": from,
			"to_state":   to,
		},
	})
}

// BGPAdvertisementChange records a GCP route advertisement write.
func (e *Emitter) BGPAdvertisementChange(ctx context.Context, region, router, prefix string, advertise bool, result actuation.Result, err error) {
	ev := Event{
		Type:      BGPAdvertisementChange,
		Result:    result,
		Component: "gcpmonitor",
		Operation: "set_advertisement",
		Details: map[string]any{
			"region":    region,
			"router":    router,
			"prefix":    prefix,
			"advertise": advertise,
		},
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	e.Emit(ctx, ev)
}

// CloudflareRouteUpdate records a Cloudflare transit-priority write.
func (e *Emitter) CloudflareRouteUpdate(ctx context.Context, descFilter string, priority int, result actuation.Result, err error) {
	ev := Event{
		Type:      CloudflareRouteUpdate,
		Result:    result,
		Component: "cloudflare",
		Operation: "set_priority",
		Details: map[string]any{
			"description_filter": descFilter,
			"priority":            priority,
		},
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	e.Emit(ctx, ev)
}

// CircuitBreakerEvent records a breaker opening, closing, or rejecting a
// call.
func (e *Emitter) CircuitBreakerEvent(ctx context.Context, service, transition string) {
	e.Emit(ctx, Event{
		Type:      CircuitBreakerEvent,
		Result:    actuation.Success,
		Component: "resilience",
		Operation: "circuit_breaker",
		Details: map[string]any{
			"service":    service,
			"transition": transition,
		},
	})
}

// ConnectivityTest records the outcome of a startup self-test.
func (e *Emitter) ConnectivityTest(ctx context.Context, service string, result actuation.Result, err error) {
	ev := Event{
		Type:      ConnectivityTest,
		Result:    result,
		Component: service,
		Operation: "connectivity_test",
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	e.Emit(ctx, ev)
}

// HealthCheckResult records a single probe's raw outcome before gating.
func (e *Emitter) HealthCheckResult(ctx context.Context, channel string, healthy bool, result actuation.Result, err error) {
	ev := Event{
		Type:      HealthCheckResult,
		Result:    result,
		Component: "health",
		Operation: channel,
		Details: map[string]any{
			"channel": channel,
			"healthy": healthy,
		},
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	e.Emit(ctx, ev)
}
