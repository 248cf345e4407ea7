package tracking

import (
	"math"
	"testing"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBallisticPitch(t *testing.T) {
	t.Parallel()

	const speed = 15000.0
	pos := r3.Vector{X: 0, Y: -200, Z: 3000} // 200 mm above the barrel, 3 m out

	k := speed * speed / Gravity
	d := pos.Norm()
	want := -math.Atan((k - math.Sqrt((k-200)*(k-200)-d*d)) / 3000)

	got, err := BallisticPitch(pos, speed)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
	assert.Less(t, got, math.Atan2(pos.Y, pos.Z), "aims above the line of sight")

	// the launch angle must satisfy the drag-free trajectory equation
	theta := -got
	r := 3000.0
	height := r*math.Tan(theta) - Gravity*r*r/(2*speed*speed*math.Cos(theta)*math.Cos(theta))
	assert.InDelta(t, 200, height, 1e-6)
}

func TestBallisticPitch_OutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  r3.Vector
	}{
		{name: "too high", pos: r3.Vector{Y: -12000, Z: 3000}},
		{name: "too far", pos: r3.Vector{Z: 1e6}},
		{name: "straight up", pos: r3.Vector{Y: -500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := BallisticPitch(tt.pos, 15000)
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	pos := r3.Vector{X: 100, Y: 50, Z: 1000}

	cmd, err := Synthesize(pos, AbsoluteAngle, cfg)
	require.NoError(t, err)
	assert.Equal(t, AbsoluteAngle, cmd.Mode)
	assert.InDelta(t, math.Atan2(100, 1000), cmd.Yaw, 1e-12)
	assert.InDelta(t, math.Atan2(50, 1000), cmd.Pitch, 1e-12)

	cfg.BulletSpeed = 15000
	withDrop, err := Synthesize(pos, RelativeAngle, cfg)
	require.NoError(t, err)
	assert.Equal(t, cmd.Yaw, withDrop.Yaw, "ballistics only change pitch")
	assert.Less(t, withDrop.Pitch, cmd.Pitch)
}

func TestSynthesize_NonFinite(t *testing.T) {
	t.Parallel()

	for _, pos := range []r3.Vector{
		{Z: math.NaN()},
		{X: math.Inf(1), Z: 100},
	} {
		_, err := Synthesize(pos, RelativeAngle, DefaultConfig())
		assert.ErrorIs(t, err, ErrOutOfRange)
	}
}

func TestUpdateArmors_OutOfRangeSuppressesCommand(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BulletSpeed = 15000
	tr := NewTracker(cfg, nil)

	tr.UpdateArmors([]armor.DetectedMarker{marker(320, 40, r3.Vector{Y: -12000, Z: 3000})}, 0)
	res := tr.Result()
	assert.Equal(t, OutcomeOutOfRange, res.Outcome)
	assert.False(t, res.ShouldSend)
	require.NotNil(t, res.Trace, "the trace is still published for diagnostics")

	// a reachable target on the next frame recovers
	tr.UpdateArmors([]armor.DetectedMarker{marker(320, 260, r3.Vector{Y: -200, Z: 3000})}, frameInterval)
	cmd, ok := tr.Command()
	require.True(t, ok)
	want, err := BallisticPitch(tr.Result().Trace.Predicted, 15000)
	require.NoError(t, err)
	assert.InDelta(t, want, cmd.Pitch, 1e-12)
}

func TestControlMode_MarshalText(t *testing.T) {
	t.Parallel()

	b, err := AbsoluteAngle.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "absolute", string(b))
	assert.Equal(t, "relative", RelativeAngle.String())
	assert.Equal(t, "weight_overflow", OutcomeWeightOverflow.String())
	assert.Equal(t, "physical", TrackPhysical.String())
}

func TestUnmarshalText(t *testing.T) {
	t.Parallel()

	var m ControlMode
	require.NoError(t, m.UnmarshalText([]byte("absolute")))
	assert.Equal(t, AbsoluteAngle, m)
	assert.Error(t, m.UnmarshalText([]byte("sideways")))

	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("out_of_range")))
	assert.Equal(t, OutcomeOutOfRange, o)
	assert.Error(t, o.UnmarshalText([]byte("")))
}
