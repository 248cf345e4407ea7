package tracking

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/golang/geo/r3"
)

// ErrOutOfRange means the predicted target cannot be hit at the configured
// bullet speed, or the position is not a finite number.
var ErrOutOfRange = errors.New("target out of range")

// ControlMode tells the control unit how to interpret a command.
type ControlMode int

const (
	// RelativeAngle commands are deltas from the current gimbal attitude.
	RelativeAngle ControlMode = iota
	// AbsoluteAngle commands are gimbal attitudes fused with telemetry.
	AbsoluteAngle
)

func (m ControlMode) String() string {
	if m == AbsoluteAngle {
		return "absolute"
	}
	return "relative"
}

// MarshalText renders the mode for JSON status output.
func (m ControlMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ControlMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "relative":
		*m = RelativeAngle
	case "absolute":
		*m = AbsoluteAngle
	default:
		return fmt.Errorf("unknown control mode %q", b)
	}
	return nil
}

// AimingCommand is the per-frame output. Angles are radians, yaw
// right-positive and pitch down-positive.
type AimingCommand struct {
	Mode  ControlMode `json:"mode"`
	Yaw   float64     `json:"yaw"`
	Pitch float64     `json:"pitch"`
}

// BallisticPitch returns the down-positive pitch needed for a projectile
// leaving at speed (mm/s) to pass through pos, taking the low trajectory.
func BallisticPitch(pos r3.Vector, speed float64) (float64, error) {
	k := speed * speed / Gravity
	// Camera y points down; the launch-angle formula takes height above the
	// barrel. Keep the negation here and on the result together.
	height := -pos.Y
	dist := pos.Norm()
	horizontal := math.Hypot(pos.X, pos.Z)

	rad := (k-height)*(k-height) - dist*dist
	if rad < 0 || horizontal == 0 {
		return 0, fmt.Errorf("%w: speed %.0f mm/s, height %.0f mm, range %.0f mm", ErrOutOfRange, speed, height, horizontal)
	}

	theta := math.Atan((k - math.Sqrt(rad)) / horizontal)
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return 0, fmt.Errorf("%w: non-finite launch angle", ErrOutOfRange)
	}
	return -theta, nil
}

// Synthesize converts a predicted position into a command.
func Synthesize(pos r3.Vector, mode ControlMode, cfg Config) (AimingCommand, error) {
	if !armor.Finite(pos) {
		return AimingCommand{}, fmt.Errorf("%w: position %v", ErrOutOfRange, pos)
	}

	p := armor.ToYPD(pos)
	yaw, pitch := p.Yaw, p.Pitch

	if cfg.BulletSpeed > 0 {
		var err error
		if pitch, err = BallisticPitch(pos, cfg.BulletSpeed); err != nil {
			return AimingCommand{}, err
		}
	}

	return AimingCommand{
		Mode:  mode,
		Yaw:   yaw + cfg.YawTrim,
		Pitch: pitch + cfg.PitchTrim,
	}, nil
}
