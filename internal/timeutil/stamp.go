package timeutil

import "time"

// StampUnit is the resolution of a Stamp.
const StampUnit = 100 * time.Microsecond

// Stamp is a monotonic capture time in units of 0.1 ms. Frames and gimbal
// telemetry samples are stamped from the same StampClock so they can be
// compared directly.
type Stamp int64

// StampOf converts a duration to stamp units, truncating.
func StampOf(d time.Duration) Stamp {
	return Stamp(d / StampUnit)
}

// Sub returns s - o as a duration.
func (s Stamp) Sub(o Stamp) time.Duration {
	return time.Duration(s-o) * StampUnit
}

// Add returns s advanced by d.
func (s Stamp) Add(d time.Duration) Stamp {
	return s + StampOf(d)
}

// Seconds returns the stamp as seconds since the clock epoch.
func (s Stamp) Seconds() float64 {
	return float64(s) * StampUnit.Seconds()
}

// StampClock produces Stamps relative to a fixed epoch taken from a Clock.
// Go's time.Time carries a monotonic reading, so RealClock stamps are
// immune to wall clock steps.
type StampClock struct {
	clock Clock
	epoch time.Time
}

// NewStampClock creates a StampClock whose zero is the clock's current time.
func NewStampClock(clock Clock) StampClock {
	if clock == nil {
		clock = RealClock{}
	}
	return StampClock{clock: clock, epoch: clock.Now()}
}

// Now returns the current stamp.
func (c StampClock) Now() Stamp {
	return StampOf(c.clock.Since(c.epoch))
}

// Clock returns the underlying clock.
func (c StampClock) Clock() Clock {
	return c.clock
}
