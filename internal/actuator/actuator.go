// Package actuator applies an action plan against GCP route advertisements
// and Cloudflare transit priority, wrapping every write in the breaker and
// retry substrate and reporting per-operation outcomes.
package actuator

import (
	"context"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/events"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"github.com/mancow2001/mt-gcp-router-management/internal/state"
	"go.uber.org/zap"
)

// GCPAdvertiser toggles route advertisement on a GCP Cloud Router.
type GCPAdvertiser interface {
	SetAdvertisement(ctx context.Context, region, router, prefix string, desired *bool) (actuation.Result, error)
}

// CloudflarePriorityUpdater bulk-updates Magic Transit route priority.
type CloudflarePriorityUpdater interface {
	SetPriority(ctx context.Context, descSubstring string, desiredPriority int) (actuation.Result, error)
}

// Targets names the concrete resources a Plan's advertisement/priority
// changes are applied against.
type Targets struct {
	LocalRegion, LocalRouter, PrimaryPrefix     string
	RemoteRegion, RemoteRouter, SecondaryPrefix string
	DescriptionSubstring                        string
	PrimaryPriority, SecondaryPriority          int
}

// Outcome summarizes the three possible writes a tick's plan produces.
type Outcome struct {
	Primary   actuation.Result
	Secondary actuation.Result
	Priority  actuation.Result
}

// Skipped reports how many of the three writes were skipped, either
// because passive mode is active or because the plan called for no
// change on that operation.
func (o Outcome) Skipped() int {
	n := 0
	if o.Primary == actuation.Skipped {
		n++
	}
	if o.Secondary == actuation.Skipped {
		n++
	}
	if o.Priority == actuation.Skipped {
		n++
	}
	return n
}

// Actuator applies Plans produced by the state machine.
type Actuator struct {
	gcp              GCPAdvertiser
	cf               CloudflarePriorityUpdater
	breakers         *resilience.Registry
	breakerThreshold int
	breakerTimeout   time.Duration
	advertisePolicy  *resilience.Policy
	priorityPolicy   *resilience.Policy
	timeout          time.Duration
	passive          bool
	logger           *zap.Logger
	emit             *events.Emitter
}

// Option configures an Actuator at construction.
type Option func(*Actuator)

// WithPassiveMode sets whether writes are skipped rather than executed.
func WithPassiveMode(passive bool) Option {
	return func(a *Actuator) { a.passive = passive }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Actuator) { a.logger = logger }
}

// Passive reports whether this Actuator was built with passive mode
// enabled, for the control loop's health_check_cycle event.
func (a *Actuator) Passive() bool {
	return a.passive
}

// WithCorrelationID returns a shallow copy of this Actuator whose emitted
// events carry id instead of the one it was constructed with. The control
// loop calls this once per tick so actuation events line up with that
// tick's probe and state-transition events.
func (a *Actuator) WithCorrelationID(id string) *Actuator {
	clone := *a
	clone.emit = a.emit.WithCorrelationID(id)
	return &clone
}

// New builds an Actuator. advertisePolicy governs GCP route advertisement
// writes; priorityPolicy governs Cloudflare
// bulk updates. breakerThreshold/breakerTimeout configure any breaker
// this Actuator causes the Registry to create for the first time.
func New(gcp GCPAdvertiser, cf CloudflarePriorityUpdater, breakers *resilience.Registry, breakerThreshold int, breakerTimeout time.Duration, advertisePolicy, priorityPolicy *resilience.Policy, timeout time.Duration, emit *events.Emitter, opts ...Option) *Actuator {
	a := &Actuator{
		gcp:              gcp,
		cf:               cf,
		breakers:         breakers,
		breakerThreshold: breakerThreshold,
		breakerTimeout:   breakerTimeout,
		advertisePolicy:  advertisePolicy,
		priorityPolicy:   priorityPolicy,
		timeout:          timeout,
		logger:           zap.NewNop(),
		emit:             emit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply executes plan against targets. In passive mode it records every
// non-noop operation as SKIPPED without calling the monitor clients.
func (a *Actuator) Apply(ctx context.Context, plan state.Plan, targets Targets) Outcome {
	return Outcome{
		Primary:   a.applyAdvertisement(ctx, targets.LocalRegion, targets.LocalRouter, targets.PrimaryPrefix, plan.Primary),
		Secondary: a.applyAdvertisement(ctx, targets.RemoteRegion, targets.RemoteRouter, targets.SecondaryPrefix, plan.Secondary),
		Priority:  a.applyPriority(ctx, targets, plan.Priority),
	}
}

func (a *Actuator) applyAdvertisement(ctx context.Context, region, router, prefix string, advertisement state.Advertisement) actuation.Result {
	if advertisement == state.NoAdvertisementChange {
		return actuation.Skipped
	}
	desired := advertisement == state.Advertise

	if a.passive {
		a.emit.BGPAdvertisementChange(ctx, region, router, prefix, desired, actuation.Skipped, nil)
		return actuation.Skipped
	}

	breaker := a.breakers.Get("gcp_advertisement", a.breakerThreshold, a.breakerTimeout)
	result, err := a.doAdvertisement(ctx, breaker, region, router, prefix, desired)
	a.emit.BGPAdvertisementChange(ctx, region, router, prefix, desired, result, err)
	return result
}

func (a *Actuator) doAdvertisement(ctx context.Context, breaker *resilience.CircuitBreaker, region, router, prefix string, desired bool) (actuation.Result, error) {
	var result actuation.Result
	err := breaker.Call(func() error {
		return a.advertisePolicy.Do(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			r, e := a.gcp.SetAdvertisement(opCtx, region, router, prefix, &desired)
			result = r
			return e
		})
	})
	if err != nil {
		return actuation.Failure, err
	}
	return result, nil
}

func (a *Actuator) applyPriority(ctx context.Context, targets Targets, priority state.TransitPriority) actuation.Result {
	if priority == state.NoPriorityChange {
		return actuation.Skipped
	}
	desired := targets.PrimaryPriority
	if priority == state.Secondary {
		desired = targets.SecondaryPriority
	}

	if a.passive {
		a.emit.CloudflareRouteUpdate(ctx, targets.DescriptionSubstring, desired, actuation.Skipped, nil)
		return actuation.Skipped
	}

	breaker := a.breakers.Get("cloudflare", a.breakerThreshold, a.breakerTimeout)
	var result actuation.Result
	err := breaker.Call(func() error {
		return a.priorityPolicy.Do(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			r, e := a.cf.SetPriority(opCtx, targets.DescriptionSubstring, desired)
			result = r
			return e
		})
	})
	if err != nil {
		result = actuation.Failure
	}
	a.emit.CloudflareRouteUpdate(ctx, targets.DescriptionSubstring, desired, result, err)
	return result
}
