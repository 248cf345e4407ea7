// Package gimbal holds the latest gimbal attitude reported by the control
// unit. One writer (the telemetry receiver) and one reader (the frame loop)
// share a Cache; both hold its lock only for a fixed-size copy.
package gimbal

import (
	"sync"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/timeutil"
)

// Snapshot is one telemetry sample. Angles are radians, velocities rad/s.
type Snapshot struct {
	Yaw           float64        `json:"yaw"`
	Pitch         float64        `json:"pitch"`
	YawVelocity   float64        `json:"yaw_velocity"`
	PitchVelocity float64        `json:"pitch_velocity"`
	Stamp         timeutil.Stamp `json:"stamp"`
	// Valid is false until the first sample arrives.
	Valid bool `json:"valid"`
}

// Age returns how old the sample is at the given stamp.
func (s Snapshot) Age(at timeutil.Stamp) time.Duration {
	return at.Sub(s.Stamp)
}

// Extrapolate projects the sampled angles to the given stamp assuming
// constant angular velocity.
func (s Snapshot) Extrapolate(at timeutil.Stamp) (yaw, pitch float64) {
	dt := s.Age(at).Seconds()
	return s.Yaw + s.YawVelocity*dt, s.Pitch + s.PitchVelocity*dt
}

// Cache is the shared latest-sample store.
type Cache struct {
	clock timeutil.StampClock

	mu    sync.Mutex
	delay time.Duration
	snap  Snapshot
}

// NewCache creates a Cache stamping samples from clock. delay is the known
// feedback latency of the control unit; reported angles are advanced by
// velocity × delay before being stored.
func NewCache(clock timeutil.StampClock, delay time.Duration) *Cache {
	return &Cache{clock: clock, delay: delay}
}

// SetDelay replaces the feedback delay used for subsequent samples.
func (c *Cache) SetDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = delay
}

// UpdateGimbal stores a new sample. It is safe to call from any goroutine.
func (c *Cache) UpdateGimbal(yaw, pitch, yawVelocity, pitchVelocity float64) {
	stamp := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.delay.Seconds()
	c.snap = Snapshot{
		Yaw:           yaw + yawVelocity*d,
		Pitch:         pitch + pitchVelocity*d,
		YawVelocity:   yawVelocity,
		PitchVelocity: pitchVelocity,
		Stamp:         stamp,
		Valid:         true,
	}
}

// Snapshot returns a copy of the latest sample.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
