package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
)

const (
	DefaultRecorderBuffer   = 1024
	DefaultRecorderBatch    = 256
	DefaultRecorderInterval = time.Second
)

// Recorder batches frame records off the frame loop and writes them to a
// session. Record never blocks; records that do not fit in the buffer are
// counted and dropped.
type Recorder struct {
	db        *DB
	sessionID string
	ch        chan FrameRecord
	batch     int
	interval  time.Duration
	clock     timeutil.Clock

	// mu orders Record's enqueue against Run's final drain; once stopped
	// is set nothing more reaches ch.
	mu      sync.Mutex
	stopped bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewRecorder returns a recorder for sessionID. A nil clock uses the wall clock.
func NewRecorder(db *DB, sessionID string, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		db:        db,
		sessionID: sessionID,
		ch:        make(chan FrameRecord, DefaultRecorderBuffer),
		batch:     DefaultRecorderBatch,
		interval:  DefaultRecorderInterval,
		clock:     clock,
	}
}

// SetFlushInterval changes how often queued records are written. Call
// before Run.
func (r *Recorder) SetFlushInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// SessionID returns the session this recorder writes to.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record queues rec for writing. Records arriving after Run has returned
// are counted as dropped.
func (r *Recorder) Record(rec FrameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			monitoring.Warnf("recorder buffer full, dropping frame records")
		}
	}
}

// Run writes queued records every interval, or sooner when a full batch is
// waiting, until ctx is done. Pending records are flushed before returning.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make([]FrameRecord, 0, r.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := r.db.InsertFrames(r.sessionID, pending); err != nil {
			r.failed.Add(int64(len(pending)))
			monitoring.Logf("failed to record %d frames: %v", len(pending), err)
		} else {
			r.written.Add(int64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
			for {
				select {
				case rec := <-r.ch:
					pending = append(pending, rec)
				default:
					flush()
					return nil
				}
			}
		case rec := <-r.ch:
			pending = append(pending, rec)
			if len(pending) >= r.batch {
				flush()
			}
		case <-ticker.C():
			flush()
		}
	}
}

// RecorderStats counts what the recorder has done with its records.
type RecorderStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
