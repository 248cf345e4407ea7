package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// CurrentVersion is the schema version written by this build. Files with a
// newer version are rejected.
const CurrentVersion = 1

// Tracking modes accepted by armor_tracking_mode.
const (
	TrackingModeImage    = "image"
	TrackingModePhysical = "physical"
)

// TuningConfig represents the root configuration for aiming parameters.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime updates.
type TuningConfig struct {
	Version *int `json:"version,omitempty"`

	// Tracker params
	EnableAbsoluteAngleMode *bool    `json:"enable_absolute_angle_mode,omitempty"`
	ArmorTrackingMode       *string  `json:"armor_tracking_mode,omitempty"` // "image" or "physical"
	ImageMaxOffsetFraction  *float64 `json:"image_max_offset_fraction,omitempty"`
	PhysicalMaxVelocity     *float64 `json:"physical_max_velocity,omitempty"` // mm/s
	ArmorLifeTime           *string  `json:"armor_life_time,omitempty"`       // duration string like "200ms"

	// Predictor params
	PredictBackwardCount    *int     `json:"predict_backward_count,omitempty"`
	PredictBackwardFraction *float64 `json:"predict_backward_fraction,omitempty"`
	ControlCommandDelay     *string  `json:"control_command_delay,omitempty"` // duration string
	GimbalDelay             *string  `json:"gimbal_delay,omitempty"`          // duration string

	// Synthesizer params; unset means disabled
	CompensateBulletSpeed *float64 `json:"compensate_bullet_speed,omitempty"` // mm/s
	YawDeltaOffset        *float64 `json:"yaw_delta_offset,omitempty"`        // degrees
	PitchDeltaOffset      *float64 `json:"pitch_delta_offset,omitempty"`      // degrees

	// Serial link params
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`
	SerialDataBits *int    `json:"serial_data_bits,omitempty"`
	SerialStopBits *int    `json:"serial_stop_bits,omitempty"`
	SerialParity   *string `json:"serial_parity,omitempty"`

	// Recorder params
	RecordFlushInterval *string `json:"record_flush_interval,omitempty"` // duration string
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. It mirrors config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Version:                 ptrInt(CurrentVersion),
		EnableAbsoluteAngleMode: ptrBool(false),
		ArmorTrackingMode:       ptrString(TrackingModeImage),
		ImageMaxOffsetFraction:  ptrFloat64(0.5),
		PhysicalMaxVelocity:     ptrFloat64(5000),
		ArmorLifeTime:           ptrString("200ms"),
		PredictBackwardCount:    ptrInt(3),
		PredictBackwardFraction: ptrFloat64(0.3),
		ControlCommandDelay:     ptrString("30ms"),
		GimbalDelay:             ptrString("5ms"),
		SerialBaudRate:          ptrInt(115200),
		SerialDataBits:          ptrInt(8),
		SerialStopBits:          ptrInt(1),
		SerialParity:            ptrString("N"),
		RecordFlushInterval:     ptrString("1s"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseTuningConfig(data)
}

// ParseTuningConfig decodes and validates a JSON document. It is shared by
// the file loader and the runtime config endpoint.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/trace-plot
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.Version != nil && (*c.Version < 1 || *c.Version > CurrentVersion) {
		return fmt.Errorf("unsupported config version %d (this build reads up to %d)", *c.Version, CurrentVersion)
	}

	if c.ArmorTrackingMode != nil {
		switch strings.ToLower(strings.TrimSpace(*c.ArmorTrackingMode)) {
		case TrackingModeImage, TrackingModePhysical:
		default:
			return fmt.Errorf("armor_tracking_mode must be %q or %q, got %q", TrackingModeImage, TrackingModePhysical, *c.ArmorTrackingMode)
		}
	}

	if c.ImageMaxOffsetFraction != nil && *c.ImageMaxOffsetFraction <= 0 {
		return fmt.Errorf("image_max_offset_fraction must be positive, got %f", *c.ImageMaxOffsetFraction)
	}

	if c.PhysicalMaxVelocity != nil && *c.PhysicalMaxVelocity <= 0 {
		return fmt.Errorf("physical_max_velocity must be positive, got %f", *c.PhysicalMaxVelocity)
	}

	if c.PredictBackwardCount != nil && *c.PredictBackwardCount < 0 {
		return fmt.Errorf("predict_backward_count must be non-negative, got %d", *c.PredictBackwardCount)
	}

	// The fraction is only range-checked here. Whether the resulting
	// geometric weights overflow depends on the history length and is
	// reported by the predictor at runtime.
	if c.PredictBackwardFraction != nil {
		if f := *c.PredictBackwardFraction; f <= 0 || f >= 1 {
			return fmt.Errorf("predict_backward_fraction must be in (0, 1), got %f", f)
		}
	}

	if c.CompensateBulletSpeed != nil && *c.CompensateBulletSpeed <= 0 {
		return fmt.Errorf("compensate_bullet_speed must be positive, got %f", *c.CompensateBulletSpeed)
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"armor_life_time", c.ArmorLifeTime},
		{"control_command_delay", c.ControlCommandDelay},
		{"gimbal_delay", c.GimbalDelay},
		{"record_flush_interval", c.RecordFlushInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	return nil
}

func parseDurationOr(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetVersion returns the schema version or CurrentVersion.
func (c *TuningConfig) GetVersion() int {
	if c.Version == nil {
		return CurrentVersion
	}
	return *c.Version
}

// GetEnableAbsoluteAngleMode returns the enable_absolute_angle_mode value or the default.
func (c *TuningConfig) GetEnableAbsoluteAngleMode() bool {
	if c.EnableAbsoluteAngleMode == nil {
		return false
	}
	return *c.EnableAbsoluteAngleMode
}

// GetArmorTrackingMode returns the normalised armor_tracking_mode or "image".
func (c *TuningConfig) GetArmorTrackingMode() string {
	if c.ArmorTrackingMode == nil || *c.ArmorTrackingMode == "" {
		return TrackingModeImage
	}
	return strings.ToLower(strings.TrimSpace(*c.ArmorTrackingMode))
}

// GetImageMaxOffsetFraction returns the image_max_offset_fraction value or the default.
func (c *TuningConfig) GetImageMaxOffsetFraction() float64 {
	if c.ImageMaxOffsetFraction == nil {
		return 0.5
	}
	return *c.ImageMaxOffsetFraction
}

// GetPhysicalMaxVelocity returns the physical_max_velocity value (mm/s) or the default.
func (c *TuningConfig) GetPhysicalMaxVelocity() float64 {
	if c.PhysicalMaxVelocity == nil {
		return 5000
	}
	return *c.PhysicalMaxVelocity
}

// GetArmorLifeTime parses and returns the ArmorLifeTime as a time.Duration.
func (c *TuningConfig) GetArmorLifeTime() time.Duration {
	return parseDurationOr(c.ArmorLifeTime, 200*time.Millisecond)
}

// GetPredictBackwardCount returns the predict_backward_count value or the default.
func (c *TuningConfig) GetPredictBackwardCount() int {
	if c.PredictBackwardCount == nil {
		return 3
	}
	return *c.PredictBackwardCount
}

// GetPredictBackwardFraction returns the predict_backward_fraction value or the default.
func (c *TuningConfig) GetPredictBackwardFraction() float64 {
	if c.PredictBackwardFraction == nil {
		return 0.3
	}
	return *c.PredictBackwardFraction
}

// GetControlCommandDelay parses and returns the ControlCommandDelay as a time.Duration.
func (c *TuningConfig) GetControlCommandDelay() time.Duration {
	return parseDurationOr(c.ControlCommandDelay, 30*time.Millisecond)
}

// GetGimbalDelay parses and returns the GimbalDelay as a time.Duration.
func (c *TuningConfig) GetGimbalDelay() time.Duration {
	return parseDurationOr(c.GimbalDelay, 5*time.Millisecond)
}

// GetCompensateBulletSpeed returns the bullet speed (mm/s) and whether
// ballistic compensation is enabled.
func (c *TuningConfig) GetCompensateBulletSpeed() (float64, bool) {
	if c.CompensateBulletSpeed == nil {
		return 0, false
	}
	return *c.CompensateBulletSpeed, true
}

// GetYawDeltaOffset returns the yaw trim in degrees and whether it is set.
func (c *TuningConfig) GetYawDeltaOffset() (float64, bool) {
	if c.YawDeltaOffset == nil {
		return 0, false
	}
	return *c.YawDeltaOffset, true
}

// GetPitchDeltaOffset returns the pitch trim in degrees and whether it is set.
func (c *TuningConfig) GetPitchDeltaOffset() (float64, bool) {
	if c.PitchDeltaOffset == nil {
		return 0, false
	}
	return *c.PitchDeltaOffset, true
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}

// GetSerialDataBits returns the serial_data_bits value or the default.
func (c *TuningConfig) GetSerialDataBits() int {
	if c.SerialDataBits == nil {
		return 8
	}
	return *c.SerialDataBits
}

// GetSerialStopBits returns the serial_stop_bits value or the default.
func (c *TuningConfig) GetSerialStopBits() int {
	if c.SerialStopBits == nil {
		return 1
	}
	return *c.SerialStopBits
}

// GetSerialParity returns the serial_parity value or the default.
func (c *TuningConfig) GetSerialParity() string {
	if c.SerialParity == nil {
		return "N"
	}
	return *c.SerialParity
}

// GetRecordFlushInterval parses and returns the RecordFlushInterval as a time.Duration.
func (c *TuningConfig) GetRecordFlushInterval() time.Duration {
	return parseDurationOr(c.RecordFlushInterval, time.Second)
}
