// Package state implements the reduction of tri-valued health signals
// into a fixed-point state code and the mapping from a committed state
// code to an actuation plan.
package state

import "github.com/mancow2001/mt-gcp-router-management/internal/health"

// Code is one of the seven fixed topology states. 0 is the fallback/
// uncommitted state: any UNKNOWN input, or any (local, remote, bgp)
// combination not named in the table, reduces to it.
type Code int

const (
	// Uncommitted is the fallback state: present at process start and
	// whenever a tick's inputs don't match a named combination.
	Uncommitted Code = 0
	// BothHealthyBGPUp: local and remote both healthy, BGP session up.
	BothHealthyBGPUp Code = 1
	// LocalDownBGPUp: local unhealthy, remote healthy, BGP up.
	LocalDownBGPUp Code = 2
	// RemoteDownBGPUp: local healthy, remote unhealthy, BGP up.
	RemoteDownBGPUp Code = 3
	// BothDownBGPUp: local and remote both unhealthy, BGP up.
	BothDownBGPUp Code = 4
	// LocalDownBGPDown: local unhealthy, remote healthy, BGP down.
	LocalDownBGPDown Code = 5
	// BothHealthyBGPDown: local and remote both healthy, BGP down.
	BothHealthyBGPDown Code = 6
)

func (c Code) String() string {
	switch c {
	case BothHealthyBGPUp:
		return "BOTH_HEALTHY_BGP_UP"
	case LocalDownBGPUp:
		return "LOCAL_DOWN_BGP_UP"
	case RemoteDownBGPUp:
		return "REMOTE_DOWN_BGP_UP"
	case BothDownBGPUp:
		return "BOTH_DOWN_BGP_UP"
	case LocalDownBGPDown:
		return "LOCAL_DOWN_BGP_DOWN"
	case BothHealthyBGPDown:
		return "BOTH_HEALTHY_BGP_DOWN"
	default:
		return "UNCOMMITTED"
	}
}

// IsVerifiable reports whether this code is subject to the Layer 2
// consecutive-observation verification gate.
func (c Code) IsVerifiable() bool {
	return c == LocalDownBGPUp || c == RemoteDownBGPUp || c == BothDownBGPUp
}

// Reduce maps the post-hysteresis (local, remote, bgp) signals to a state
// code. Any Unknown input forces Uncommitted, matching the rule that
// monitoring-plane failures can never drive data-plane change.
func Reduce(local, remote, bgpUp health.Signal) Code {
	if !local.Known() || !remote.Known() || !bgpUp.Known() {
		return Uncommitted
	}

	switch {
	case local == health.Healthy && remote == health.Healthy && bgpUp == health.Healthy:
		return BothHealthyBGPUp
	case local == health.Unhealthy && remote == health.Healthy && bgpUp == health.Healthy:
		return LocalDownBGPUp
	case local == health.Healthy && remote == health.Unhealthy && bgpUp == health.Healthy:
		return RemoteDownBGPUp
	case local == health.Unhealthy && remote == health.Unhealthy && bgpUp == health.Healthy:
		return BothDownBGPUp
	case local == health.Unhealthy && remote == health.Healthy && bgpUp == health.Unhealthy:
		return LocalDownBGPDown
	case local == health.Healthy && remote == health.Healthy && bgpUp == health.Unhealthy:
		return BothHealthyBGPDown
	default:
		return Uncommitted
	}
}
