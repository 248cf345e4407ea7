package replay

import (
	"context"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/pipeline"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
)

// DefaultPollInterval is how often a Source checks whether the next fixture
// is due.
const DefaultPollInterval = time.Millisecond

// Source publishes fixtures into a FrameSlot at their recorded times.
type Source struct {
	fixtures []Fixture
	stamps   timeutil.StampClock
	poll     time.Duration

	// Loop restarts from the first fixture after the last one.
	Loop bool
}

// NewSource returns a source that stamps frames from stamps. Frame capture
// stamps and gimbal telemetry must come from the same StampClock.
func NewSource(fixtures []Fixture, stamps timeutil.StampClock) *Source {
	return &Source{fixtures: fixtures, stamps: stamps, poll: DefaultPollInterval}
}

// Run publishes frames until ctx is done or, without Loop, the last fixture
// has been published. The slot is closed when Run returns.
func (s *Source) Run(ctx context.Context, slot *pipeline.FrameSlot) error {
	defer slot.Close()
	if len(s.fixtures) == 0 {
		return nil
	}

	clock := s.stamps.Clock()
	ticker := clock.NewTicker(s.poll)
	defer ticker.Stop()

	var id uint64
	next := 0
	start := clock.Now()
	for {
		elapsed := clock.Since(start)
		for next < len(s.fixtures) && s.fixtures[next].At <= elapsed {
			id++
			slot.Publish(pipeline.Frame{
				ID:       id,
				Captured: s.stamps.Now(),
				Markers:  cloneMarkers(s.fixtures[next].Markers),
			})
			next++
		}

		if next == len(s.fixtures) {
			if !s.Loop {
				monitoring.Logf("replay: published %d frames", id)
				return nil
			}
			next = 0
			start = start.Add(s.fixtures[len(s.fixtures)-1].At)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// The frame loop rewrites marker flags, so each publish gets its own copy.
func cloneMarkers(ms []armor.DetectedMarker) []armor.DetectedMarker {
	if ms == nil {
		return nil
	}
	out := make([]armor.DetectedMarker, len(ms))
	copy(out, ms)
	return out
}
