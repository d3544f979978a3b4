// Package tickclock converts wall-clock durations into host ticks.
//
// The host advances its simulation in discrete ticks, at a fixed nominal
// [Rate]. All delays handed to the host are expressed in ticks, and are
// rounded up, so a converted delay never elapses early.
package tickclock

import (
	"math"
	"time"
)

type (
	// Tick is a count of host ticks, either an absolute tick number or a
	// relative delay.
	Tick int64

	// Rate is the nominal number of ticks per wall-clock second.
	Rate int
)

// DefaultRate is the nominal host tick rate.
const DefaultRate Rate = 20

// ToTicks converts delay to ticks at [DefaultRate].
func ToTicks(delay time.Duration) Tick { return DefaultRate.ToTicks(delay) }

// ToTicks converts delay to ticks, at this rate.
//
// Non-positive delays map to 0 (run at the next opportunity). Positive
// delays map to max(1, ceil(ms*rate/1000)), where ms is the delay truncated
// to whole milliseconds. The result saturates at [math.MaxInt64].
func (r Rate) ToTicks(delay time.Duration) Tick {
	if delay <= 0 {
		return 0
	}
	rate := int64(r.orDefault())
	ms := int64(delay / time.Millisecond)
	if ms > math.MaxInt64/rate {
		return math.MaxInt64
	}
	ticks := (ms*rate + 999) / 1000
	if ticks < 1 {
		ticks = 1
	}
	return Tick(ticks)
}

// Duration returns the nominal wall-clock duration of t ticks.
func (r Rate) Duration(t Tick) time.Duration {
	if t <= 0 {
		return 0
	}
	return time.Duration(t) * r.Interval()
}

// Interval returns the nominal wall-clock duration of a single tick.
func (r Rate) Interval() time.Duration {
	return time.Second / time.Duration(r.orDefault())
}

// Valid reports whether r is a usable rate.
func (r Rate) Valid() bool { return r > 0 && time.Duration(r) <= time.Second }

func (r Rate) orDefault() Rate {
	if !r.Valid() {
		return DefaultRate
	}
	return r
}
