// Package pipeline runs the per-frame loop: take the newest frame from a
// FrameSlot, update the tracker, send the resulting command and record the
// outcome.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
)

// ErrSlotClosed is returned by Next once the producer has closed the slot
// and no unseen frame is left.
var ErrSlotClosed = errors.New("frame slot closed")

// Frame is the detection result of one captured image. The consumer
// rewrites marker flags in place, so a producer must not reuse Markers after
// publishing.
type Frame struct {
	ID       uint64
	Captured timeutil.Stamp
	Markers  []armor.DetectedMarker
}

// FrameSlot is a single-frame mailbox between a frame source and the frame
// loop. A newer frame replaces an unconsumed one; IDs seen by the consumer
// only increase.
type FrameSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  Frame
	has    bool
	taken  bool
	closed bool

	published   uint64
	overwritten uint64
}

func NewFrameSlot() *FrameSlot {
	s := &FrameSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish offers f to the consumer. It returns false, leaving the slot
// unchanged, if the slot is closed or f is not newer than the last frame
// published.
func (s *FrameSlot) Publish(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.has && f.ID <= s.frame.ID) {
		return false
	}
	if s.has && !s.taken {
		s.overwritten++
	}
	s.frame = f
	s.has = true
	s.taken = false
	s.published++
	s.cond.Broadcast()
	return true
}

// Next blocks until a frame with an ID greater than lastID is available, ctx
// is done, or the slot is closed.
func (s *FrameSlot) Next(ctx context.Context, lastID uint64) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.has || s.frame.ID <= lastID {
		if s.closed {
			return Frame{}, ErrSlotClosed
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		s.cond.Wait()
	}
	s.taken = true
	return s.frame, nil
}

// Close wakes every waiter. Frames already published can still be taken.
func (s *FrameSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Counts returns how many frames were published and how many of those were
// replaced before the consumer saw them.
func (s *FrameSlot) Counts() (published, overwritten uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.overwritten
}
