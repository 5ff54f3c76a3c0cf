package health

import "time"

// defaultExceptionStates mirrors DWELL_TIME_EXCEPTION_STATES's default of
// "1,4": either side of a transition touching one of these states bypasses
// the minimum dwell-time requirement.
func defaultExceptionStates() map[int]bool {
	return map[int]bool{1: true, 4: true}
}

// Dwell implements the Layer 3 flap-protection gate: a state transition
// that has already passed verification must additionally wait min_dwell
// seconds since the last commit, unless either the committed state or the
// candidate state is in the exception set.
type Dwell struct {
	minDwell  time.Duration
	exception map[int]bool
}

// DwellOption configures a Dwell gate at construction.
type DwellOption func(*Dwell)

// WithExceptionStates overrides the default {1,4} exception set.
func WithExceptionStates(states map[int]bool) DwellOption {
	return func(d *Dwell) {
		d.exception = states
	}
}

// NewDwell builds a gate with the given minimum dwell duration.
func NewDwell(minDwell time.Duration, opts ...DwellOption) *Dwell {
	d := &Dwell{
		minDwell:  minDwell,
		exception: defaultExceptionStates(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate reports whether candidate may replace committed, given how long
// committed has been in place as of now. The boundary is inclusive: a
// elapsed duration exactly equal to min_dwell is permitted.
func (d *Dwell) Evaluate(committed, candidate int, since, now time.Time) bool {
	if d.exception[committed] || d.exception[candidate] {
		return true
	}
	return now.Sub(since) >= d.minDwell
}
