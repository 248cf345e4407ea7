package tracking

import (
	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// TargetHistory is the recent trail of one tracked marker. The five
// sequences are parallel, newest first, and always the same length.
type TargetHistory struct {
	ID      int64
	Centers []r2.Point       // image centers, px
	Sizes   []r2.Point       // image width (X) and height (Y), px
	Offsets []r3.Vector      // camera space (fused in absolute mode), mm
	YPDs    []armor.YPD      // yaw/pitch/distance of Offsets
	Stamps  []timeutil.Stamp // capture times
}

// observation is one usable marker of the current frame, after fusion.
type observation struct {
	center r2.Point
	size   r2.Point
	offset r3.Vector
	ypd    armor.YPD
}

func newHistory(id int64, obs observation, stamp timeutil.Stamp, capacity int) *TargetHistory {
	h := &TargetHistory{
		ID:      id,
		Centers: make([]r2.Point, 0, capacity),
		Sizes:   make([]r2.Point, 0, capacity),
		Offsets: make([]r3.Vector, 0, capacity),
		YPDs:    make([]armor.YPD, 0, capacity),
		Stamps:  make([]timeutil.Stamp, 0, capacity),
	}
	h.push(obs, stamp, capacity)
	return h
}

// Len returns the number of recorded samples.
func (h *TargetHistory) Len() int {
	return len(h.Stamps)
}

// Newest returns the stamp of the most recent sample.
func (h *TargetHistory) Newest() timeutil.Stamp {
	return h.Stamps[0]
}

// push records obs as the newest sample and drops the oldest samples so
// that no sequence exceeds limit.
func (h *TargetHistory) push(obs observation, stamp timeutil.Stamp, limit int) {
	h.Centers = pushFront(h.Centers, obs.center, limit)
	h.Sizes = pushFront(h.Sizes, obs.size, limit)
	h.Offsets = pushFront(h.Offsets, obs.offset, limit)
	h.YPDs = pushFront(h.YPDs, obs.ypd, limit)
	h.Stamps = pushFront(h.Stamps, stamp, limit)
}

func pushFront[T any](s []T, v T, limit int) []T {
	if limit < 1 {
		limit = 1
	}
	if len(s) < limit {
		var zero T
		s = append(s, zero)
	}
	copy(s[1:], s[:len(s)-1])
	s[0] = v
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

// HistorySnapshot is a read-only copy of a history for diagnostics.
type HistorySnapshot struct {
	ID       int64            `json:"id"`
	Centers  []r2.Point       `json:"centers"`
	Offsets  []r3.Vector      `json:"offsets"`
	YPDs     []armor.YPD      `json:"ypds"`
	Stamps   []timeutil.Stamp `json:"stamps"`
	IsActive bool             `json:"is_active"`
}

func (h *TargetHistory) snapshot(active bool) HistorySnapshot {
	return HistorySnapshot{
		ID:       h.ID,
		Centers:  append([]r2.Point(nil), h.Centers...),
		Offsets:  append([]r3.Vector(nil), h.Offsets...),
		YPDs:     append([]armor.YPD(nil), h.YPDs...),
		Stamps:   append([]timeutil.Stamp(nil), h.Stamps...),
		IsActive: active,
	}
}
