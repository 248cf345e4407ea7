package tracking

import (
	"errors"
	"fmt"

	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/golang/geo/r3"
)

// ErrWeightOverflow means predict_backward_fraction and
// predict_backward_count give geometric weights that exceed 1 in total.
var ErrWeightOverflow = errors.New("backward difference weights exceed 1")

// BackwardWeights returns the weight of each backward difference of a
// history with historyLen samples, newest difference first. Older
// differences get fraction, fraction², ... and the newest difference gets
// whatever is left, so the weights sum to 1. A nil slice means prediction
// is skipped.
func BackwardWeights(historyLen, count int, fraction float64) ([]float64, error) {
	if historyLen < 2 || count < 1 {
		return nil, nil
	}

	n := min(historyLen, count)
	weights := make([]float64, max(n-1, 1))

	remaining := 1.0
	hw := fraction
	for i := 1; i < n-1; i++ {
		weights[i] = hw
		remaining -= hw
		if remaining < 0 {
			return nil, fmt.Errorf("%w: %.4f left after %d differences (fraction %.3f, count %d)",
				ErrWeightOverflow, remaining, i, fraction, count)
		}
		hw *= fraction
	}
	weights[0] = remaining
	return weights, nil
}

// Velocity returns the weighted backward-difference velocity of h in mm/s.
// Each difference is divided by its own capture interval; an interval that
// is not positive contributes nothing.
func Velocity(h *TargetHistory, weights []float64) r3.Vector {
	var v r3.Vector
	for i, w := range weights {
		dt := h.Stamps[i].Sub(h.Stamps[i+1]).Seconds()
		if dt <= 0 {
			continue
		}
		v = v.Add(h.Offsets[i].Sub(h.Offsets[i+1]).Mul(w / dt))
	}
	return v
}

// Predict extrapolates the newest position of h to the time the command
// takes effect: captured plus the control command delay.
func Predict(h *TargetHistory, captured timeutil.Stamp, cfg Config) (r3.Vector, error) {
	newest := h.Offsets[0]

	weights, err := BackwardWeights(h.Len(), cfg.PredictBackwardCount, cfg.PredictBackwardFraction)
	if err != nil {
		return r3.Vector{}, err
	}
	if weights == nil {
		return newest, nil
	}

	dt := captured.Sub(h.Newest()).Seconds() + cfg.ControlCommandDelay.Seconds()
	return newest.Add(Velocity(h, weights).Mul(dt)), nil
}
