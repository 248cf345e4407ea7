package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/protocol"
	"github.com/banshee-data/gimbal.aim/internal/serialmux"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/banshee-data/gimbal.aim/internal/tracking"
)

// CommandSink ships aiming commands to the control unit without blocking.
type CommandSink interface {
	Send(protocol.AimCommand) error
}

// Recorder persists per-frame outcomes. Record must not block.
type Recorder interface {
	Record(db.FrameRecord)
}

// Stats counts what the frame loop has done.
type Stats struct {
	Frames      int64     `json:"frames"`
	Commands    int64     `json:"commands"`
	NoTarget    int64     `json:"no_target"`
	Suppressed  int64     `json:"suppressed"`
	QueueFull   int64     `json:"queue_full"`
	SendErrors  int64     `json:"send_errors"`
	Overwritten int64     `json:"overwritten"`
	LastFrameID uint64    `json:"last_frame_id"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

// Runner is the frame loop. It owns the tracker for the duration of Run.
type Runner struct {
	slot     *FrameSlot
	tracker  *tracking.Tracker
	sink     CommandSink
	recorder Recorder
	clock    timeutil.Clock

	mu    sync.Mutex
	stats Stats
}

// NewRunner wires a frame loop. recorder may be nil.
func NewRunner(slot *FrameSlot, tracker *tracking.Tracker, sink CommandSink, recorder Recorder, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		slot:     slot,
		tracker:  tracker,
		sink:     sink,
		recorder: recorder,
		clock:    clock,
	}
}

// Run processes frames until ctx is done, the slot is closed, or the
// transport reports that it can no longer send. A frame in progress is
// always completed; cancellation is checked between frames.
func (r *Runner) Run(ctx context.Context) error {
	var last uint64
	for {
		f, err := r.slot.Next(ctx, last)
		if errors.Is(err, ErrSlotClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		last = f.ID

		if err := r.process(f); err != nil {
			return err
		}
	}
}

func (r *Runner) process(f Frame) error {
	r.tracker.UpdateArmors(f.Markers, f.Captured)
	res := r.tracker.Result()

	var sendErr error
	sent := false
	if res.ShouldSend {
		sendErr = r.sink.Send(protocol.NewAimCommand(res.Command))
		sent = sendErr == nil
	}

	r.mu.Lock()
	r.stats.Frames++
	r.stats.LastFrameID = f.ID
	r.stats.LastFrameAt = r.clock.Now()
	switch {
	case sent:
		r.stats.Commands++
	case res.Outcome == tracking.OutcomeNoTarget:
		r.stats.NoTarget++
	case !res.ShouldSend:
		r.stats.Suppressed++
	case errors.Is(sendErr, serialmux.ErrQueueFull):
		r.stats.QueueFull++
	default:
		r.stats.SendErrors++
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Record(frameRecord(f, res, sent))
	}

	switch {
	case sendErr == nil:
		return nil
	case errors.Is(sendErr, serialmux.ErrTransportClosed):
		return fmt.Errorf("frame %d: %w", f.ID, sendErr)
	case errors.Is(sendErr, serialmux.ErrQueueFull):
		monitoring.Debugf("frame %d: command dropped, transport queue full", f.ID)
	default:
		monitoring.Logf("frame %d: send failed: %v", f.ID, sendErr)
	}
	return nil
}

func frameRecord(f Frame, res tracking.Result, sent bool) db.FrameRecord {
	rec := db.FrameRecord{
		FrameID:  f.ID,
		Captured: int64(f.Captured),
		Markers:  len(f.Markers),
		Mode:     res.Mode.String(),
		Outcome:  res.Outcome.String(),
		TargetID: res.TargetID,
		Sent:     sent,
	}
	if res.ShouldSend {
		rec.Yaw = res.Command.Yaw
		rec.Pitch = res.Command.Pitch
	}
	if res.Trace != nil {
		rec.HasPrediction = true
		rec.PredX = res.Trace.Predicted.X
		rec.PredY = res.Trace.Predicted.Y
		rec.PredZ = res.Trace.Predicted.Z
	}
	return rec
}

// Stats returns a copy of the loop counters.
func (r *Runner) Stats() Stats {
	_, overwritten := r.slot.Counts()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Overwritten = int64(overwritten)
	return st
}

// LogStats logs frame loop throughput every interval until ctx is done.
func (r *Runner) LogStats(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	prev := r.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			cur := r.Stats()
			frames := cur.Frames - prev.Frames
			if frames > 0 {
				monitoring.Logf("pipeline stats (/sec): %.1f frames, %.1f commands, %d suppressed, %d overwritten",
					float64(frames)/interval.Seconds(),
					float64(cur.Commands-prev.Commands)/interval.Seconds(),
					cur.Suppressed-prev.Suppressed,
					cur.Overwritten-prev.Overwritten)
			}
			prev = cur
		}
	}
}

// Tee fans each frame record out to several recorders.
type Tee []Recorder

func (t Tee) Record(rec db.FrameRecord) {
	for _, r := range t {
		r.Record(rec)
	}
}
