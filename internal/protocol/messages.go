// Package protocol implements the framed binary link to the gimbal control
// unit: aiming commands go out, gimbal telemetry comes back.
//
// Every frame is
//
//	0xA5 | kind u8 | len u8 | crc8(first 3 bytes) | payload (len bytes) | crc16 (LE)
//
// with the CRC-16 covering everything before it. Payload fields are little
// endian; floats are IEEE-754 single precision. Angles travel in degrees.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/gimbal.aim/internal/tracking"
	"github.com/banshee-data/gimbal.aim/internal/units"
)

// Kind identifies the payload layout of a frame.
type Kind uint8

const (
	KindAimCommand      Kind = 0x01
	KindGimbalTelemetry Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindAimCommand:
		return "aim_command"
	case KindGimbalTelemetry:
		return "gimbal_telemetry"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Message is a payload that can be framed.
type Message interface {
	Kind() Kind
	size() int
	marshal(b []byte)
}

// AimCommand asks the control unit to move the gimbal.
type AimCommand struct {
	Mode  uint8   `json:"mode"` // 0 relative, 1 absolute
	Yaw   float32 `json:"yaw"`  // degrees, right-positive
	Pitch float32 `json:"pitch"`
}

const aimCommandSize = 1 + 4 + 4

func (AimCommand) Kind() Kind { return KindAimCommand }
func (AimCommand) size() int  { return aimCommandSize }

func (m AimCommand) marshal(b []byte) {
	b[0] = m.Mode
	putFloat(b[1:], m.Yaw)
	putFloat(b[5:], m.Pitch)
}

// NewAimCommand converts a tracker command (radians) to wire units.
func NewAimCommand(cmd tracking.AimingCommand) AimCommand {
	return AimCommand{
		Mode:  uint8(cmd.Mode),
		Yaw:   float32(units.ToDegrees(cmd.Yaw)),
		Pitch: float32(units.ToDegrees(cmd.Pitch)),
	}
}

// GimbalTelemetry is the control unit's attitude report.
type GimbalTelemetry struct {
	Yaw           float32 `json:"yaw"` // degrees
	Pitch         float32 `json:"pitch"`
	YawVelocity   float32 `json:"yaw_velocity"` // degrees per second
	PitchVelocity float32 `json:"pitch_velocity"`
}

const gimbalTelemetrySize = 4 * 4

func (GimbalTelemetry) Kind() Kind { return KindGimbalTelemetry }
func (GimbalTelemetry) size() int  { return gimbalTelemetrySize }

func (m GimbalTelemetry) marshal(b []byte) {
	putFloat(b[0:], m.Yaw)
	putFloat(b[4:], m.Pitch)
	putFloat(b[8:], m.YawVelocity)
	putFloat(b[12:], m.PitchVelocity)
}

// Radians returns the report in radians and radians per second.
func (m GimbalTelemetry) Radians() (yaw, pitch, yawVelocity, pitchVelocity float64) {
	return units.ToRadians(float64(m.Yaw)), units.ToRadians(float64(m.Pitch)),
		units.ToRadians(float64(m.YawVelocity)), units.ToRadians(float64(m.PitchVelocity))
}

func putFloat(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func getFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func unmarshal(kind Kind, p []byte) (Message, error) {
	switch kind {
	case KindAimCommand:
		if len(p) != aimCommandSize {
			return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrShortFrame, kind, len(p), aimCommandSize)
		}
		return AimCommand{Mode: p[0], Yaw: getFloat(p[1:]), Pitch: getFloat(p[5:])}, nil
	case KindGimbalTelemetry:
		if len(p) != gimbalTelemetrySize {
			return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrShortFrame, kind, len(p), gimbalTelemetrySize)
		}
		return GimbalTelemetry{
			Yaw:           getFloat(p[0:]),
			Pitch:         getFloat(p[4:]),
			YawVelocity:   getFloat(p[8:]),
			PitchVelocity: getFloat(p[12:]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
