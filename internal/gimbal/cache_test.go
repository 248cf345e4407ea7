package gimbal

import (
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(delay time.Duration) (*Cache, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewCache(timeutil.NewStampClock(clock), delay), clock
}

func TestCache_EmptySnapshot(t *testing.T) {
	c, _ := newTestCache(0)
	snap := c.Snapshot()
	assert.False(t, snap.Valid)
}

func TestCache_UpdateCompensatesDelay(t *testing.T) {
	c, clock := newTestCache(10 * time.Millisecond)
	clock.Advance(250 * time.Millisecond)

	c.UpdateGimbal(0.1, -0.05, 2.0, -1.0)
	snap := c.Snapshot()

	require.True(t, snap.Valid)
	assert.InDelta(t, 0.1+2.0*0.01, snap.Yaw, 1e-12)
	assert.InDelta(t, -0.05-1.0*0.01, snap.Pitch, 1e-12)
	assert.Equal(t, 2.0, snap.YawVelocity)
	assert.Equal(t, -1.0, snap.PitchVelocity)
	assert.Equal(t, timeutil.Stamp(2500), snap.Stamp)
}

func TestCache_SetDelay(t *testing.T) {
	c, _ := newTestCache(0)
	c.SetDelay(100 * time.Millisecond)
	c.UpdateGimbal(0, 0, 1, 0)
	assert.InDelta(t, 0.1, c.Snapshot().Yaw, 1e-12)
}

func TestSnapshot_Extrapolate(t *testing.T) {
	s := Snapshot{Yaw: 0.5, Pitch: 0.1, YawVelocity: -1, PitchVelocity: 0.5, Stamp: 1000, Valid: true}

	yaw, pitch := s.Extrapolate(1000 + 200) // 20 ms later
	assert.InDelta(t, 0.48, yaw, 1e-12)
	assert.InDelta(t, 0.11, pitch, 1e-12)
	assert.Equal(t, 20*time.Millisecond, s.Age(1200))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.UpdateGimbal(float64(i), float64(i), 0, 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := c.Snapshot()
			// writers store yaw and pitch together, a torn read would differ
			if snap.Yaw != snap.Pitch {
				t.Errorf("torn snapshot: yaw=%v pitch=%v", snap.Yaw, snap.Pitch)
				return
			}
		}
	}()
	wg.Wait()
}
