package tracking

import (
	"time"

	"github.com/banshee-data/gimbal.aim/internal/config"
	"github.com/banshee-data/gimbal.aim/internal/units"
)

// Gravity is the gravitational acceleration used for ballistic
// compensation, in mm/s².
const Gravity = 9800.0

// GimbalUpdateLifeTime is how old a telemetry sample may be, relative to the
// frame capture time, for absolute angle mode to stay engaged.
const GimbalUpdateLifeTime = 1000 * time.Millisecond

// TrackingMode selects how detections are associated with histories.
type TrackingMode int

const (
	// TrackImage matches by pixel proximity scaled by the marker size.
	TrackImage TrackingMode = iota
	// TrackPhysical matches by plausible camera-space velocity.
	TrackPhysical
)

func (m TrackingMode) String() string {
	if m == TrackPhysical {
		return config.TrackingModePhysical
	}
	return config.TrackingModeImage
}

// Config holds the tracker, predictor and synthesizer parameters.
type Config struct {
	EnableAbsoluteAngleMode bool
	TrackingMode            TrackingMode
	ImageMaxOffsetFraction  float64       // fraction of the marker size, per axis
	PhysicalMaxVelocity     float64       // mm/s
	ArmorLifeTime           time.Duration // histories older than this are evicted

	PredictBackwardCount    int
	PredictBackwardFraction float64
	ControlCommandDelay     time.Duration // serial and actuation latency

	// BulletSpeed enables ballistic compensation when positive (mm/s).
	BulletSpeed float64
	// Manual trims in radians, added to the final command.
	YawTrim   float64
	PitchTrim float64
}

// MaxHistoryLength is the bound on every history sequence.
func (c Config) MaxHistoryLength() int {
	return c.PredictBackwardCount + 1
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.DefaultTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := Config{
		EnableAbsoluteAngleMode: cfg.GetEnableAbsoluteAngleMode(),
		TrackingMode:            TrackImage,
		ImageMaxOffsetFraction:  cfg.GetImageMaxOffsetFraction(),
		PhysicalMaxVelocity:     cfg.GetPhysicalMaxVelocity(),
		ArmorLifeTime:           cfg.GetArmorLifeTime(),
		PredictBackwardCount:    cfg.GetPredictBackwardCount(),
		PredictBackwardFraction: cfg.GetPredictBackwardFraction(),
		ControlCommandDelay:     cfg.GetControlCommandDelay(),
	}
	if cfg.GetArmorTrackingMode() == config.TrackingModePhysical {
		c.TrackingMode = TrackPhysical
	}
	if v, ok := cfg.GetCompensateBulletSpeed(); ok {
		c.BulletSpeed = v
	}
	if v, ok := cfg.GetYawDeltaOffset(); ok {
		c.YawTrim = units.ToRadians(v)
	}
	if v, ok := cfg.GetPitchDeltaOffset(); ok {
		c.PitchTrim = units.ToRadians(v)
	}
	return c
}
