// Package resilience implements the circuit breaker and retry substrate
// that wraps every external call the daemon makes to GCP and Cloudflare.
package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Call when the breaker is refusing calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// mode is the two-state breaker mode. There is no explicit half-open
// state: once the timeout elapses, the next call is admitted directly as
// a probe and the mode only changes based on its outcome.
type mode int

const (
	modeClosed mode = iota
	modeOpen
)

// CircuitBreaker guards a single external service. Zero value is not
// usable; construct with NewCircuitBreaker.
type CircuitBreaker struct {
	mu sync.Mutex

	name      string
	threshold int
	timeout   time.Duration
	logger    *zap.Logger

	mode     mode
	failures int
	openedAt time.Time
}

// CircuitOption configures a CircuitBreaker at construction.
type CircuitOption func(*CircuitBreaker)

// WithLogger attaches a logger for open/close transitions.
func WithLogger(logger *zap.Logger) CircuitOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a breaker for the named service. threshold is
// the number of consecutive failures before the breaker opens; timeout is
// how long it stays open before admitting a probe call.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, opts ...CircuitOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		logger:    zap.NewNop(),
		mode:      modeClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Call runs op through the breaker. It returns ErrCircuitOpen without
// invoking op when the breaker is open and the timeout has not elapsed.
func (cb *CircuitBreaker) Call(op func() error) error {
	cb.mu.Lock()
	if cb.mode == modeOpen {
		if time.Since(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		// Timeout elapsed: admit this call as a probe. Mode stays Open
		// until the probe's outcome is known.
	}
	cb.mu.Unlock()

	err := op()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		if cb.mode == modeOpen {
			// Probe failed: extend the open window.
			cb.openedAt = time.Now()
			return err
		}
		if cb.failures >= cb.threshold {
			cb.mode = modeOpen
			cb.openedAt = time.Now()
			cb.logger.Warn("circuit breaker opened",
				zap.String("service", cb.name),
				zap.Int("failures", cb.failures))
		}
		return err
	}

	if cb.mode == modeOpen {
		cb.logger.Info("circuit breaker closed", zap.String("service", cb.name))
	}
	cb.mode = modeClosed
	cb.failures = 0
	return nil
}

// IsOpen reports whether the breaker is currently refusing calls (i.e. it
// is open and the timeout has not yet elapsed).
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.mode == modeOpen && time.Since(cb.openedAt) < cb.timeout
}

// Name returns the service name the breaker was constructed with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Registry holds one breaker per named external service. The daemon keeps
// a single Registry for the lifetime of the process.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it with the given threshold
// and timeout the first time it is requested.
func (r *Registry) Get(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, threshold, timeout, WithLogger(r.logger))
	r.breakers[name] = cb
	return cb
}

// Snapshot returns the open/closed state of every breaker seen so far,
// keyed by service name. Used by the telemetry gauge exporter.
func (r *Registry) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.IsOpen()
	}
	return out
}
