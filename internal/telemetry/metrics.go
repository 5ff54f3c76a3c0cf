// Package telemetry exposes the daemon's Prometheus metrics surface.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routedaemon_ticks_total",
			Help: "Total number of completed health-check ticks by outcome.",
		},
		[]string{"result"},
	)

	committedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routedaemon_committed_state",
			Help: "Current committed state code.",
		},
	)

	circuitBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routedaemon_circuit_breaker_open",
			Help: "Whether the named circuit breaker is open (1) or closed (0).",
		},
		[]string{"service"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routedaemon_probe_duration_seconds",
			Help:    "Probe latency by channel (local, remote, bgp).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	actuationResultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routedaemon_actuation_result_total",
			Help: "Actuation outcomes by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

// RecordTick records one completed control-loop tick.
func RecordTick(result string) {
	ticksTotal.WithLabelValues(result).Inc()
}

// SetCommittedState publishes the current committed state code.
func SetCommittedState(code int) {
	committedState.Set(float64(code))
}

// SetBreakerOpen publishes whether the named breaker is currently open.
func SetBreakerOpen(service string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitBreakerOpen.WithLabelValues(service).Set(v)
}

// ObserveProbeDuration records how long a single probe on channel took.
func ObserveProbeDuration(channel string, d time.Duration) {
	probeDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordActuation records the outcome of a single actuation write.
func RecordActuation(operation, result string) {
	actuationResultTotal.WithLabelValues(operation, result).Inc()
}
