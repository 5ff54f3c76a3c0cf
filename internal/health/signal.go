// Package health implements the tri-valued health signal and the
// three-layer flap-protection pipeline (hysteresis, verification gate,
// dwell-time gate) that sits between raw probe results and a committed
// state code.
package health

// Signal is a tri-valued health reading. It intentionally is not a
// nullable bool: Unknown is a first-class outcome produced when the
// monitoring plane itself cannot decide, and every switch over Signal
// must handle it explicitly.
type Signal int

const (
	Unknown Signal = iota
	Healthy
	Unhealthy
)

func (s Signal) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether s is a decided outcome (not Unknown).
func (s Signal) Known() bool {
	return s == Healthy || s == Unhealthy
}

// FromBool converts a known-good/known-bad probe result into a Signal.
func FromBool(healthy bool) Signal {
	if healthy {
		return Healthy
	}
	return Unhealthy
}
