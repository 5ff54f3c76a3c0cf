package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Permanent wraps an error to signal the retry engine that it must not be
// retried regardless of attempts remaining. Monitor clients use this for
// authorization/not-found responses.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// NewPermanent marks err as non-retryable.
func NewPermanent(err error) error {
	return &Permanent{Err: err}
}

func isPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// Policy is an exponential-backoff-with-jitter retry policy. The zero
// value is not usable; construct with NewPolicy.
type Policy struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	logger       *zap.Logger
}

// PolicyOption configures a Policy at construction.
type PolicyOption func(*Policy)

// WithPolicyLogger attaches a logger for retry attempts.
func WithPolicyLogger(logger *zap.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy creates a retry policy. maxRetries is the number of retries
// after the first attempt, so maxRetries=3 means up to 4 total calls.
func NewPolicy(maxRetries int, initialDelay, maxDelay time.Duration, factor float64, opts ...PolicyOption) *Policy {
	p := &Policy{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		factor:       factor,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs fn, retrying on error up to maxRetries times with exponential
// backoff and jitter. A *Permanent error short-circuits immediately. The
// last error is returned on exhaustion.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isPermanent(err) {
			return err
		}

		if attempt == p.maxRetries {
			break
		}

		delay := p.delayForAttempt(attempt)
		p.logger.Debug("retrying after failure",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("maxRetries", p.maxRetries),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// delayForAttempt computes min(maxDelay, initial*factor^attempt) with
// uniform jitter in [0, delay/2] added on top.
func (p *Policy) delayForAttempt(attempt int) time.Duration {
	raw := float64(p.initialDelay) * math.Pow(p.factor, float64(attempt))
	if raw > float64(p.maxDelay) {
		raw = float64(p.maxDelay)
	}
	jitter := rand.Float64() * raw / 2
	return time.Duration(raw + jitter)
}
