// Package controlloop implements the daemon's periodic scheduler: each
// tick fans out the three health probes, feeds them through the
// hysteresis/verification/dwell flap-protection pipeline, plans and
// applies the resulting action, and emits the tick's structured events.
// It is the single owner of cross-tick memory (hysteresis windows,
// verification counters, committed state) per the "owning controller
// value" guidance: everything outside this package observes state
// transitions only through emitted events.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/actuator"
	"github.com/mancow2001/mt-gcp-router-management/internal/events"
	"github.com/mancow2001/mt-gcp-router-management/internal/health"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"github.com/mancow2001/mt-gcp-router-management/internal/state"
	"github.com/mancow2001/mt-gcp-router-management/internal/telemetry"
	"go.uber.org/zap"
)

// BackendProber probes a region's backend-service health.
type BackendProber interface {
	ProbeBackends(ctx context.Context, region string) (health.Signal, error)
}

// BGPProber probes a router's BGP peering session health.
type BGPProber interface {
	ProbeBGP(ctx context.Context, region, router string) (health.Signal, error)
}

// BGPTarget names the router whose peering session is the "bgp" channel.
type BGPTarget struct {
	Region string
	Router string
}

// Config holds the Loop's scalar settings. Built once at startup and
// passed by value, per the "pass config as an immutable value" guidance;
// the collaborator objects (clients, gates, actuator) are supplied
// separately to New.
type Config struct {
	CheckInterval        time.Duration
	MaxConsecutiveErrors int

	BreakerThreshold int
	BreakerTimeout   time.Duration
	BackendTimeout   time.Duration
	BGPTimeout       time.Duration

	LocalRegion  string
	RemoteRegion string
	BGPTarget    BGPTarget
}

// Loop is the control loop's owning value: it holds the hysteresis
// windows, verification counters, and committed-state record for the
// lifetime of the process, and drives one tick per CheckInterval.
type Loop struct {
	cfg Config

	backend BackendProber
	bgp     BGPProber

	breakers     *resilience.Registry
	healthPolicy *resilience.Policy
	bgpPolicy    *resilience.Policy

	localHyst  *health.Hysteresis
	remoteHyst *health.Hysteresis
	bgpHyst    *health.Hysteresis

	verification *health.Verification
	dwell        *health.Dwell

	act     *actuator.Actuator
	targets actuator.Targets

	bus    events.Bus
	logger *zap.Logger

	mu             sync.Mutex
	committed      state.Code
	committedSince time.Time
}

// New builds a Loop. committed starts Uncommitted with since = process
// start, per §4.11.
func New(
	cfg Config,
	backend BackendProber,
	bgp BGPProber,
	localHyst, remoteHyst, bgpHyst *health.Hysteresis,
	verification *health.Verification,
	dwell *health.Dwell,
	breakers *resilience.Registry,
	healthPolicy, bgpPolicy *resilience.Policy,
	act *actuator.Actuator,
	targets actuator.Targets,
	bus events.Bus,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	return &Loop{
		cfg:            cfg,
		backend:        backend,
		bgp:            bgp,
		breakers:       breakers,
		healthPolicy:   healthPolicy,
		bgpPolicy:      bgpPolicy,
		localHyst:      localHyst,
		remoteHyst:     remoteHyst,
		bgpHyst:        bgpHyst,
		verification:   verification,
		dwell:          dwell,
		act:            act,
		targets:        targets,
		bus:            bus,
		logger:         logger,
		committed:      state.Uncommitted,
		committedSince: time.Now(),
	}
}

// Committed reports the currently committed state, for diagnostics.
func (l *Loop) Committed() state.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Run drives the loop until ctx is cancelled, sleeping CheckInterval
// between ticks. Cancellation is only observed at the inter-tick sleep
// boundary: a tick already underway runs to completion, including
// actuation, so a plan is never applied partially. It returns a non-nil
// error only if MaxConsecutiveErrors hard tick failures occur in a row,
// the internal safety valve against spinning against a broken
// environment; clean cancellation returns nil.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.safeTick(ctx); err != nil {
				consecutiveErrors++
				l.logger.Error("tick failed",
					zap.Error(err), zap.Int("consecutive_errors", consecutiveErrors))
				if consecutiveErrors >= l.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("controlloop: %d consecutive tick failures: %w", consecutiveErrors, err)
				}
				continue
			}
			consecutiveErrors = 0
		}
	}
}

// safeTick recovers a panicking tick into a hard error so a single bad
// probe or write implementation can never crash the daemon outright; it
// still counts toward the consecutive-error safety valve.
func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controlloop: tick panicked: %v", r)
		}
	}()
	l.tick(ctx, time.Now())
	return nil
}

var errProbeUnknown = errors.New("controlloop: probe returned an unknown health signal")

func (l *Loop) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	tickID := events.NewCorrelationID(now)
	emit := events.NewEmitter(l.bus, l.logger, tickID)

	localSig, remoteSig, bgpSig := l.probeAll(ctx, emit)
	known := localSig.Known() && remoteSig.Known() && bgpSig.Known()

	var raw state.Code
	if known {
		localSmoothed := l.localHyst.Observe(localSig == health.Healthy)
		remoteSmoothed := l.remoteHyst.Observe(remoteSig == health.Healthy)
		bgpSmoothed := l.bgpHyst.Observe(bgpSig == health.Healthy)
		raw = state.Reduce(localSmoothed, remoteSmoothed, bgpSmoothed)
		localSig, remoteSig, bgpSig = localSmoothed, remoteSmoothed, bgpSmoothed
	} else {
		raw = state.Uncommitted
	}

	committedNow, outcome := l.applyGates(ctx, emit, raw, now, known, localSig, remoteSig, bgpSig)

	plan := state.PlanFor(committedNow)
	result := l.act.WithCorrelationID(tickID).Apply(context.WithoutCancel(ctx), plan, l.targets)

	telemetry.RecordActuation("advertise_primary", result.Primary.String())
	telemetry.RecordActuation("advertise_secondary", result.Secondary.String())
	telemetry.RecordActuation("transit_priority", result.Priority.String())
	telemetry.SetCommittedState(int(committedNow))
	for name, open := range l.breakers.Snapshot() {
		telemetry.SetBreakerOpen(name, open)
	}

	bgpSkipped := 0
	if result.Primary == actuation.Skipped {
		bgpSkipped++
	}
	if result.Secondary == actuation.Skipped {
		bgpSkipped++
	}
	cfSkipped := 0
	if result.Priority == actuation.Skipped {
		cfSkipped++
	}

	cycleResult := actuation.Success
	switch {
	case result.Primary == actuation.Failure || result.Secondary == actuation.Failure || result.Priority == actuation.Failure:
		cycleResult = actuation.Failure
	case outcome == outcomeSteady || outcome == outcomePendingVerification || outcome == outcomeDwellBlocked:
		cycleResult = actuation.NoChange
	}

	telemetry.RecordTick(outcome)
	emit.HealthCheckCycle(ctx, time.Since(start).Milliseconds(), l.act.Passive(), bgpSkipped, cfSkipped, cycleResult)
}

// probeAll fans out the three channel probes concurrently; flap-protection
// state transitions only begin once every probe has returned, per the
// "structured concurrency with a scope that joins before gating" guidance.
func (l *Loop) probeAll(ctx context.Context, emit *events.Emitter) (local, remote, bgp health.Signal) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		local = l.probeBackend(ctx, l.cfg.LocalRegion, "local")
	}()
	go func() {
		defer wg.Done()
		remote = l.probeBackend(ctx, l.cfg.RemoteRegion, "remote")
	}()
	go func() {
		defer wg.Done()
		bgp = l.probeBGPSession(ctx, "bgp")
	}()
	wg.Wait()

	emit.HealthCheckResult(ctx, "local", local == health.Healthy, resultForSignal(local), nil)
	emit.HealthCheckResult(ctx, "remote", remote == health.Healthy, resultForSignal(remote), nil)
	emit.HealthCheckResult(ctx, "bgp", bgp == health.Healthy, resultForSignal(bgp), nil)
	return local, remote, bgp
}

func resultForSignal(s health.Signal) actuation.Result {
	if s.Known() {
		return actuation.Success
	}
	return actuation.Failure
}

func (l *Loop) probeBackend(ctx context.Context, region, channel string) health.Signal {
	breaker := l.breakers.Get("gcp_health", l.cfg.BreakerThreshold, l.cfg.BreakerTimeout)
	return l.probe(ctx, channel, breaker, l.healthPolicy, l.cfg.BackendTimeout, func(opCtx context.Context) (health.Signal, error) {
		return l.backend.ProbeBackends(opCtx, region)
	})
}

func (l *Loop) probeBGPSession(ctx context.Context, channel string) health.Signal {
	breaker := l.breakers.Get("gcp_bgp", l.cfg.BreakerThreshold, l.cfg.BreakerTimeout)
	return l.probe(ctx, channel, breaker, l.bgpPolicy, l.cfg.BGPTimeout, func(opCtx context.Context) (health.Signal, error) {
		return l.bgp.ProbeBGP(opCtx, l.cfg.BGPTarget.Region, l.cfg.BGPTarget.Router)
	})
}

// probe wraps a single probe call in (breaker -> retry -> per-op timeout)
// and folds every failure mode - permanent, transient-exhausted,
// unclassified, breaker-open - into health.Unknown, per §7: monitoring
// errors never abort a tick, they only ever produce UNKNOWN for that
// channel.
func (l *Loop) probe(ctx context.Context, channel string, breaker *resilience.CircuitBreaker, policy *resilience.Policy, timeout time.Duration, fn func(context.Context) (health.Signal, error)) health.Signal {
	start := time.Now()
	sig := health.Unknown

	err := breaker.Call(func() error {
		return policy.Do(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			s, err := fn(opCtx)
			if err != nil {
				return err
			}
			if !s.Known() {
				return errProbeUnknown
			}
			sig = s
			return nil
		})
	})
	telemetry.ObserveProbeDuration(channel, time.Since(start))

	if err == nil {
		return sig
	}

	var permanent *resilience.Permanent
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		l.logger.Warn("probe skipped: circuit breaker open", zap.String("channel", channel))
	case errors.As(err, &permanent):
		l.logger.Error("probe failed with a permanent error", zap.String("channel", channel), zap.Error(err))
	case errors.Is(err, errProbeUnknown):
		l.logger.Warn("probe returned unknown health after exhausting retries", zap.String("channel", channel))
	default:
		l.logger.Warn("probe failed after exhausting retries", zap.String("channel", channel), zap.Error(err))
	}
	return health.Unknown
}

const (
	outcomeSteady              = "steady"
	outcomeTransition          = "transition"
	outcomePendingVerification = "pending_verification"
	outcomeDwellBlocked        = "dwell_blocked"
	outcomeUnknown             = "unknown"
)

// applyGates runs raw through the verification and dwell gates against
// the owned committed-state record, mutating it only when both gates
// accept, and returns the resulting committed code plus a label
// describing what happened this tick.
func (l *Loop) applyGates(ctx context.Context, emit *events.Emitter, raw state.Code, now time.Time, known bool, local, remote, bgp health.Signal) (state.Code, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !known {
		return l.committed, outcomeUnknown
	}

	accepted := l.verification.Evaluate(int(raw), int(l.committed))
	if !accepted {
		pendingState, count := l.verification.Pending()
		emit.Emit(ctx, events.Event{
			Type:      events.StateTransition,
			Result:    actuation.NoChange,
			Component: "verification",
			Operation: outcomePendingVerification,
			Details: map[string]any{
				"pending_state":     pendingState,
				"consecutive_count": count,
				"raw_state":         int(raw),
				"committed_state":   int(l.committed),
			},
		})
		return l.committed, outcomePendingVerification
	}

	if raw == l.committed {
		l.localHyst.SetLastCommitted(local)
		l.remoteHyst.SetLastCommitted(remote)
		l.bgpHyst.SetLastCommitted(bgp)
		return l.committed, outcomeSteady
	}

	if !l.dwell.Evaluate(int(l.committed), int(raw), l.committedSince, now) {
		emit.Emit(ctx, events.Event{
			Type:      events.StateTransition,
			Result:    actuation.NoChange,
			Component: "dwell",
			Operation: outcomeDwellBlocked,
			Details: map[string]any{
				"committed_state": int(l.committed),
				"candidate_state": int(raw),
				"since":           l.committedSince,
			},
		})
		return l.committed, outcomeDwellBlocked
	}

	from := l.committed
	l.committed = raw
	l.committedSince = now
	l.localHyst.SetLastCommitted(local)
	l.remoteHyst.SetLastCommitted(remote)
	l.bgpHyst.SetLastCommitted(bgp)
	emit.StateTransition(ctx, from.String(), raw.String())
	return l.committed, outcomeTransition
}
