package tracking

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyOf builds a history from samples given oldest first.
func historyOf(t *testing.T, stamps []timeutil.Stamp, offsets []r3.Vector) *TargetHistory {
	t.Helper()
	require.Equal(t, len(stamps), len(offsets))
	limit := len(stamps)
	var h *TargetHistory
	for i := range stamps {
		obs := observation{offset: offsets[i]}
		if h == nil {
			h = newHistory(1, obs, stamps[i], limit)
			continue
		}
		h.push(obs, stamps[i], limit)
	}
	return h
}

func TestBackwardWeights(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		historyLen int
		count      int
		fraction   float64
		want       []float64
	}{
		{name: "single sample skips", historyLen: 1, count: 3, fraction: 0.5, want: nil},
		{name: "zero count skips", historyLen: 4, count: 0, fraction: 0.5, want: nil},
		{name: "count one uses newest difference", historyLen: 2, count: 1, fraction: 0.5, want: []float64{1}},
		{name: "count two uses newest difference", historyLen: 3, count: 2, fraction: 0.5, want: []float64{1}},
		{name: "count three", historyLen: 4, count: 3, fraction: 0.5, want: []float64{0.5, 0.5}},
		{name: "count four", historyLen: 5, count: 4, fraction: 0.3, want: []float64{0.61, 0.3, 0.09}},
		{name: "short history limits differences", historyLen: 3, count: 4, fraction: 0.3, want: []float64{0.7, 0.3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := BackwardWeights(tt.historyLen, tt.count, tt.fraction)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-12, "weight %d", i)
			}
		})
	}
}

func TestBackwardWeights_Overflow(t *testing.T) {
	t.Parallel()

	// 0.7 + 0.49 > 1
	_, err := BackwardWeights(5, 4, 0.7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWeightOverflow))

	// the same config is fine while the history is still short
	w, err := BackwardWeights(3, 4, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w[0]+w[1], 1e-12)
}

// geometricLoad is the total weight handed to the older differences:
// f + f² + ... + f^(n-2), with n = min(historyLen, count).
func geometricLoad(n int, f float64) float64 {
	if n < 3 {
		return 0
	}
	return f * (1 - math.Pow(f, float64(n-2))) / (1 - f)
}

func TestBackwardWeights_SumProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 2000; iter++ {
		count := 1 + rng.IntN(12)
		fraction := 0.01 + 0.98*rng.Float64()
		historyLen := count + 1

		load := geometricLoad(min(historyLen, count), fraction)
		if math.Abs(load-1) < 1e-9 {
			continue // too close to call in floating point
		}

		w, err := BackwardWeights(historyLen, count, fraction)
		if load > 1 {
			require.ErrorIs(t, err, ErrWeightOverflow, "count=%d fraction=%f load=%f", count, fraction, load)
			continue
		}

		require.NoError(t, err, "count=%d fraction=%f load=%f", count, fraction, load)
		sum := 0.0
		for _, x := range w {
			require.GreaterOrEqual(t, x, 0.0)
			sum += x
		}
		require.InDelta(t, 1.0, sum, 1e-9, "count=%d fraction=%f", count, fraction)
	}
}

func TestPredict_ConstantVelocity(t *testing.T) {
	t.Parallel()

	// closing 10 mm every 10 ms = -1000 mm/s in z
	stamps := []timeutil.Stamp{0, 100, 200, 300}
	offsets := []r3.Vector{{Z: 1000}, {Z: 990}, {Z: 980}, {Z: 970}}
	h := historyOf(t, stamps, offsets)

	cfg := DefaultConfig()
	cfg.PredictBackwardCount = 3
	cfg.PredictBackwardFraction = 0.5
	cfg.ControlCommandDelay = 30 * time.Millisecond

	got, err := Predict(h, 300, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 970-30, got.Z, 1e-9)
	assert.InDelta(t, 0, got.X, 1e-12)

	// a frame captured later than the newest sample extrapolates further
	got, err = Predict(h, 400, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 970-40, got.Z, 1e-9)
}

func TestPredict_Skips(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ControlCommandDelay = 50 * time.Millisecond

	single := historyOf(t, []timeutil.Stamp{100}, []r3.Vector{{X: 5, Z: 800}})
	got, err := Predict(single, 500, cfg)
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{X: 5, Z: 800}, got, "single sample is used unmodified")

	cfg.PredictBackwardCount = 0
	two := historyOf(t, []timeutil.Stamp{0, 100}, []r3.Vector{{Z: 800}, {Z: 700}})
	got, err = Predict(two, 100, cfg)
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{Z: 700}, got, "count 0 disables prediction")
}

func TestPredict_ZeroIntervalContributesNothing(t *testing.T) {
	t.Parallel()

	h := historyOf(t, []timeutil.Stamp{100, 100}, []r3.Vector{{Z: 800}, {Z: 700}})
	cfg := DefaultConfig()
	cfg.PredictBackwardCount = 1

	got, err := Predict(h, 100, cfg)
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{Z: 700}, got)
}

func TestPredict_Overflow(t *testing.T) {
	t.Parallel()

	stamps := []timeutil.Stamp{0, 100, 200, 300, 400}
	offsets := []r3.Vector{{Z: 1000}, {Z: 990}, {Z: 980}, {Z: 970}, {Z: 960}}
	h := historyOf(t, stamps, offsets)

	cfg := DefaultConfig()
	cfg.PredictBackwardCount = 4
	cfg.PredictBackwardFraction = 0.7

	_, err := Predict(h, 400, cfg)
	assert.ErrorIs(t, err, ErrWeightOverflow)
}
