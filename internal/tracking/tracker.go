// Package tracking associates detected markers across frames, predicts the
// selected target's position and turns it into an aiming command.
//
// A Tracker is driven by a single frame loop. Its published results
// (Command, ActiveTrace, Histories, Outcome) are copied under a short lock at
// the end of each update so other goroutines can read them.
package tracking

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/banshee-data/gimbal.aim/internal/gimbal"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/golang/geo/r3"
)

// TelemetrySource supplies the latest gimbal sample.
type TelemetrySource interface {
	Snapshot() gimbal.Snapshot
}

// Outcome describes what the last update produced.
type Outcome int

const (
	// OutcomeNoTarget: no active target this frame. Not an error.
	OutcomeNoTarget Outcome = iota
	// OutcomeCommand: a command is available.
	OutcomeCommand
	// OutcomeWeightOverflow: prediction weights are misconfigured.
	OutcomeWeightOverflow
	// OutcomeOutOfRange: the predicted target cannot be aimed at.
	OutcomeOutOfRange
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommand:
		return "command"
	case OutcomeWeightOverflow:
		return "weight_overflow"
	case OutcomeOutOfRange:
		return "out_of_range"
	default:
		return "no_target"
	}
}

// MarshalText renders the outcome for JSON status output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{OutcomeNoTarget, OutcomeCommand, OutcomeWeightOverflow, OutcomeOutOfRange} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// Trace is the active target's history plus the predicted position used
// for the current command.
type Trace struct {
	History   HistorySnapshot `json:"history"`
	Predicted r3.Vector       `json:"predicted"`
}

// Result is everything an update publishes.
type Result struct {
	Captured   timeutil.Stamp `json:"captured"`
	Mode       ControlMode    `json:"mode"`
	Outcome    Outcome        `json:"outcome"`
	ShouldSend bool           `json:"should_send"`
	Command    AimingCommand  `json:"command"`
	TargetID   int64          `json:"target_id"` // 0 when there is no active target
	Trace      *Trace         `json:"trace,omitempty"`
	Histories  int            `json:"histories"`
}

// Tracker owns all target histories.
type Tracker struct {
	cfg       Config
	telemetry TelemetrySource

	// histories is an arena keyed by identity; order keeps insertion order,
	// which is the association order.
	histories map[int64]*TargetHistory
	order     []int64
	nextID    int64
	mode      ControlMode

	warnedOverflow bool

	mu        sync.RWMutex
	pending   *Config
	result    Result
	snapshots []HistorySnapshot
}

// NewTracker creates a tracker. telemetry may be nil, in which case the
// tracker always runs in relative angle mode.
func NewTracker(cfg Config, telemetry TelemetrySource) *Tracker {
	return &Tracker{
		cfg:       cfg,
		telemetry: telemetry,
		histories: make(map[int64]*TargetHistory),
		nextID:    1,
	}
}

// ApplyConfig replaces the configuration. It may be called from any
// goroutine; the change takes effect at the start of the next update and
// discards all histories.
func (t *Tracker) ApplyConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &cfg
}

// Config returns the configuration in effect, including a pending change.
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pending != nil {
		return *t.pending
	}
	return t.cfg
}

// Reset discards all histories. Frame loop only.
func (t *Tracker) Reset() {
	clear(t.histories)
	t.order = t.order[:0]
}

func (t *Tracker) takePending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending == nil {
		return
	}
	t.cfg = *pending
	t.warnedOverflow = false
	monitoring.Logf("tracker config applied, dropping %d histories", len(t.order))
	t.Reset()
}

func (t *Tracker) selectMode(snap gimbal.Snapshot, captured timeutil.Stamp) ControlMode {
	if t.cfg.EnableAbsoluteAngleMode && snap.Valid && snap.Age(captured) <= GimbalUpdateLifeTime {
		return AbsoluteAngle
	}
	return RelativeAngle
}

// UpdateArmors ingests the markers of one frame captured at the given stamp
// and recomputes the aiming command. Marker flags are rewritten in place.
func (t *Tracker) UpdateArmors(markers []armor.DetectedMarker, captured timeutil.Stamp) {
	t.takePending()

	var snap gimbal.Snapshot
	if t.telemetry != nil {
		snap = t.telemetry.Snapshot()
	}

	if mode := t.selectMode(snap, captured); mode != t.mode {
		monitoring.Logf("control mode %s -> %s, dropping %d histories", t.mode, mode, len(t.order))
		t.Reset()
		t.mode = mode
	}

	// provisional target: the nearest marker
	selected := -1
	best := math.Inf(1)
	for i := range markers {
		markers[i].Clear(armor.Processed | armor.SelectedTarget)
		if n := markers[i].Offset.Norm(); n < best {
			best = n
			selected = i
		}
	}
	if selected >= 0 {
		markers[selected].Set(armor.SelectedTarget)
	}

	obs := t.observe(markers, snap, captured)

	var active int64
	limit := t.cfg.MaxHistoryLength()

	for _, id := range t.order {
		h := t.histories[id]
		match := -1
		bestScore := math.Inf(1)
		for i := range markers {
			if obs[i] == nil || markers[i].Flags.Has(armor.Processed) {
				continue
			}
			if score, ok := t.score(h, obs[i], captured); ok && score < bestScore {
				bestScore = score
				match = i
			}
		}
		if match < 0 {
			continue
		}
		markers[match].Set(armor.Processed)
		h.push(*obs[match], captured, limit)
		if markers[match].Flags.Has(armor.SelectedTarget) {
			active = id
		}
	}

	kept := t.order[:0]
	for _, id := range t.order {
		if captured.Sub(t.histories[id].Newest()) > t.cfg.ArmorLifeTime {
			delete(t.histories, id)
			if id == active {
				active = 0
			}
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept

	for i := range markers {
		if obs[i] == nil || markers[i].Flags.Has(armor.Processed) {
			continue
		}
		id := t.nextID
		t.nextID++
		t.histories[id] = newHistory(id, *obs[i], captured, limit)
		t.order = append(t.order, id)
		markers[i].Set(armor.Processed)
		if markers[i].Flags.Has(armor.SelectedTarget) {
			active = id
		}
	}

	t.publish(t.aim(active, captured))
}

// observe computes the usable observation of every marker, fusing gimbal
// attitude in absolute mode. Markers without a usable position are nil.
func (t *Tracker) observe(markers []armor.DetectedMarker, snap gimbal.Snapshot, captured timeutil.Stamp) []*observation {
	var gYaw, gPitch float64
	if t.mode == AbsoluteAngle {
		gYaw, gPitch = snap.Extrapolate(captured)
	}

	obs := make([]*observation, len(markers))
	for i := range markers {
		m := &markers[i]
		if !armor.Finite(m.Offset) {
			monitoring.Debugf("marker %d has non-finite offset %v", i, m.Offset)
			continue
		}
		o := &observation{
			center: m.Center,
			size:   m.ImageSize(),
			offset: m.Offset,
			ypd:    armor.ToYPD(m.Offset),
		}
		if t.mode == AbsoluteAngle {
			o.ypd.Yaw += gYaw
			o.ypd.Pitch += gPitch
			fused, ok := armor.FromYPD(o.ypd)
			if !ok {
				monitoring.Debugf("marker %d cannot be fused at yaw=%.3f pitch=%.3f", i, o.ypd.Yaw, o.ypd.Pitch)
				continue
			}
			o.offset = fused
		}
		obs[i] = o
	}
	return obs
}

// score reports whether o may continue h and how far it is from h's newest
// sample; lower is better.
func (t *Tracker) score(h *TargetHistory, o *observation, captured timeutil.Stamp) (float64, bool) {
	switch t.cfg.TrackingMode {
	case TrackPhysical:
		dist := o.offset.Distance(h.Offsets[0])
		dt := captured.Sub(h.Newest()).Seconds()
		if dt <= 0 {
			return dist, dist == 0
		}
		return dist, dist/dt <= t.cfg.PhysicalMaxVelocity
	default:
		d := o.center.Sub(h.Centers[0])
		size := h.Sizes[0]
		frac := t.cfg.ImageMaxOffsetFraction
		if math.Abs(d.X) > frac*size.X || math.Abs(d.Y) > frac*size.Y {
			return 0, false
		}
		return d.Norm(), true
	}
}

func (t *Tracker) aim(active int64, captured timeutil.Stamp) Result {
	res := Result{Captured: captured, Mode: t.mode, Histories: len(t.order)}
	if active == 0 {
		return res
	}
	h := t.histories[active]
	res.TargetID = active

	predicted, err := Predict(h, captured, t.cfg)
	if err != nil {
		res.Outcome = OutcomeWeightOverflow
		if !t.warnedOverflow {
			monitoring.Warnf("prediction disabled until the config is fixed: %v", err)
			t.warnedOverflow = true
		}
		return res
	}
	res.Trace = &Trace{History: h.snapshot(true), Predicted: predicted}

	cmd, err := Synthesize(predicted, t.mode, t.cfg)
	if err != nil {
		if errors.Is(err, ErrOutOfRange) {
			monitoring.Debugf("target %d: %v", active, err)
		}
		res.Outcome = OutcomeOutOfRange
		return res
	}

	res.Outcome = OutcomeCommand
	res.ShouldSend = true
	res.Command = cmd
	return res
}

func (t *Tracker) publish(res Result) {
	snaps := make([]HistorySnapshot, 0, len(t.order))
	for _, id := range t.order {
		snaps = append(snaps, t.histories[id].snapshot(id == res.TargetID))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = res
	t.snapshots = snaps
}

// ControlMode returns the mode of the last update.
func (t *Tracker) ControlMode() ControlMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result.Mode
}

// ShouldSend reports whether the last update produced a command.
func (t *Tracker) ShouldSend() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result.ShouldSend
}

// Command returns the last command and whether it is valid.
func (t *Tracker) Command() (AimingCommand, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result.Command, t.result.ShouldSend
}

// ActiveTrace returns the active target trace of the last update.
func (t *Tracker) ActiveTrace() (Trace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.result.Trace == nil {
		return Trace{}, false
	}
	return *t.result.Trace, true
}

// Result returns everything the last update published.
func (t *Tracker) Result() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Histories returns a copy of every live history as of the last update,
// in association order.
func (t *Tracker) Histories() []HistorySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]HistorySnapshot(nil), t.snapshots...)
}
