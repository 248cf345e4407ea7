package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/banshee-data/gimbal.aim/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16_CheckValue(t *testing.T) {
	t.Parallel()
	// CRC-16/MCRF4XX check value
	assert.Equal(t, uint16(0x6F91), crc16([]byte("123456789")))
}

func TestCRC8_DetectsSingleBitErrors(t *testing.T) {
	t.Parallel()
	hdr := []byte{SOF, byte(KindAimCommand), aimCommandSize}
	want := crc8(hdr)
	for i := range hdr {
		for bit := 0; bit < 8; bit++ {
			c := append([]byte(nil), hdr...)
			c[i] ^= 1 << bit
			assert.NotEqual(t, want, crc8(c), "byte %d bit %d", i, bit)
		}
	}
}

func TestEncodeParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		size int
	}{
		{name: "aim command", msg: AimCommand{Mode: 1, Yaw: 1.5, Pitch: -2.25}, size: 4 + 9 + 2},
		{name: "telemetry", msg: GimbalTelemetry{Yaw: 10, Pitch: -2.25, YawVelocity: 1.5, PitchVelocity: 0}, size: 4 + 16 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := Encode(tt.msg)
			require.Len(t, b, tt.size)
			assert.Equal(t, byte(SOF), b[0])
			assert.Equal(t, byte(tt.msg.Kind()), b[1])

			got, err := Parse(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	good := Encode(AimCommand{Yaw: 1.5})

	badHeader := append([]byte(nil), good...)
	badHeader[2]++

	badPayload := append([]byte(nil), good...)
	badPayload[5] ^= 0x01

	unknown := []byte{SOF, 0x7F, 0}
	unknown = append(unknown, crc8(unknown))
	unknown = append(unknown, 0, 0)
	c := crc16(unknown[:4])
	unknown[4], unknown[5] = byte(c), byte(c>>8)

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "empty", frame: nil, want: ErrShortFrame},
		{name: "truncated", frame: good[:len(good)-1], want: ErrShortFrame},
		{name: "header checksum", frame: badHeader, want: ErrChecksum},
		{name: "payload checksum", frame: badPayload, want: ErrChecksum},
		{name: "unknown kind", frame: unknown, want: ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecoder_SkipsNoiseAndResyncs(t *testing.T) {
	t.Parallel()

	first := GimbalTelemetry{Yaw: 1.5, Pitch: -2.25}
	second := AimCommand{Mode: 0, Yaw: 10}
	third := GimbalTelemetry{YawVelocity: 10}

	corrupt := Encode(second)
	corrupt[6] ^= 0x40

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13, 0x37})
	stream.Write(Encode(first))
	stream.Write(corrupt)
	stream.Write([]byte{0xFF})
	stream.Write(Encode(third))

	dec := NewDecoder(&stream)
	var got []Message
	checksumErrors := 0
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			require.True(t, Recoverable(err), "unexpected terminal error %v", err)
			if errors.Is(err, ErrChecksum) {
				checksumErrors++
			}
			continue
		}
		got = append(got, msg)
	}

	assert.Equal(t, []Message{first, third}, got)
	assert.GreaterOrEqual(t, checksumErrors, 1)
}

func TestDecoder_TruncatedStream(t *testing.T) {
	t.Parallel()

	b := Encode(GimbalTelemetry{Yaw: 1})
	dec := NewDecoder(bytes.NewReader(b[:len(b)-3]))
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrShortFrame)
	assert.False(t, Recoverable(err))
}

func TestNewAimCommand(t *testing.T) {
	t.Parallel()

	cmd := NewAimCommand(tracking.AimingCommand{Mode: tracking.AbsoluteAngle, Yaw: math.Pi / 2, Pitch: -math.Pi / 180})
	assert.Equal(t, uint8(1), cmd.Mode)
	assert.InDelta(t, 90, cmd.Yaw, 1e-4)
	assert.InDelta(t, -1, cmd.Pitch, 1e-6)
}

func TestGimbalTelemetry_Radians(t *testing.T) {
	t.Parallel()

	yaw, pitch, yv, pv := GimbalTelemetry{Yaw: 180, Pitch: -90, YawVelocity: 45, PitchVelocity: 0}.Radians()
	assert.InDelta(t, math.Pi, yaw, 1e-6)
	assert.InDelta(t, -math.Pi/2, pitch, 1e-6)
	assert.InDelta(t, math.Pi/4, yv, 1e-6)
	assert.Equal(t, 0.0, pv)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "aim_command", KindAimCommand.String())
	assert.Equal(t, "kind(0x7f)", Kind(0x7F).String())
}
