// Package events implements the daemon's structured event emitter: a
// bounded, non-blocking in-memory bus that every tick's health checks,
// state transitions, and actuation writes publish to. The Emitter also
// writes each event as a structured zap log line when it publishes it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
)

// Type identifies the kind of structured event, matching the daemon's
// fixed event schema.
type Type string

const (
	HealthCheckCycle        Type = "health_check_cycle"
	StateTransition         Type = "state_transition"
	BGPAdvertisementChange  Type = "bgp_advertisement_change"
	CloudflareRouteUpdate   Type = "cloudflare_route_update"
	CircuitBreakerEvent     Type = "circuit_breaker_event"
	ConnectivityTest        Type = "connectivity_test"
	HealthCheckResult       Type = "health_check_result"
)

// Event is the common structured log record. Details carries fields
// specific to the event Type (e.g. region/router/prefix for a BGP
// advertisement change, or configuration.passive_mode for a health check
// cycle).
type Event struct {
	Type          Type              `json:"event_type"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	Result        actuation.Result  `json:"result"`
	Component     string            `json:"component"`
	Operation     string            `json:"operation"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Details       map[string]any    `json:"details,omitempty"`
}

// Handler processes a published event. Handlers run asynchronously and
// must not block on slow downstream sinks beyond the bus's own bound.
type Handler func(ctx context.Context, event Event)

// Bus is the publish/subscribe surface the control loop and its
// collaborators use to emit events. It never mutates program state and
// never blocks the caller beyond enqueueing.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(handler Handler)
}

// InMemoryBus is a bounded, non-blocking event bus. Publish never blocks:
// if the ring buffer of recent events is full, the oldest event is
// evicted to make room rather than blocking beyond a small bound.
// Handlers (e.g. a zap JSON sink) run in their own goroutine per event.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  []Handler
	recent    []Event
	maxRecent int
}

// NewInMemoryBus creates a bus that retains up to maxRecent events for
// inspection (e.g. by the admin HTTP surface) in addition to dispatching
// to subscribers.
func NewInMemoryBus(maxRecent int) *InMemoryBus {
	if maxRecent <= 0 {
		maxRecent = 256
	}
	return &InMemoryBus{
		recent:    make([]Event, 0, maxRecent),
		maxRecent: maxRecent,
	}
}

// Publish dispatches event to every subscriber and records it in the
// bounded recent-events buffer.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[1:]
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		go h(ctx, event)
	}
}

// Subscribe registers handler to receive every published event.
func (b *InMemoryBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Recent returns a snapshot of the most recently published events, oldest
// first.
func (b *InMemoryBus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}
