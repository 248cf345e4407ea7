package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SOF starts every frame.
const SOF = 0xA5

const (
	headerSize  = 4
	trailerSize = 2
	// MaxFrameSize is the largest frame the length byte can describe.
	MaxFrameSize = headerSize + 255 + trailerSize
)

var (
	ErrChecksum    = errors.New("frame checksum mismatch")
	ErrShortFrame  = errors.New("short frame")
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Recoverable reports whether err only affects a single frame, so a reader
// can keep decoding after it.
func Recoverable(err error) bool {
	return errors.Is(err, ErrChecksum) || errors.Is(err, ErrUnknownKind) ||
		(errors.Is(err, ErrShortFrame) && !errors.Is(err, io.ErrUnexpectedEOF))
}

// Encode frames m.
func Encode(m Message) []byte {
	n := m.size()
	b := make([]byte, headerSize+n+trailerSize)
	b[0] = SOF
	b[1] = uint8(m.Kind())
	b[2] = uint8(n)
	b[3] = crc8(b[:3])
	m.marshal(b[headerSize : headerSize+n])
	binary.LittleEndian.PutUint16(b[headerSize+n:], crc16(b[:headerSize+n]))
	return b
}

// Parse decodes exactly one frame.
func Parse(frame []byte) (Message, error) {
	if len(frame) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != SOF {
		return nil, fmt.Errorf("%w: bad start byte 0x%02x", ErrShortFrame, frame[0])
	}
	if crc8(frame[:3]) != frame[3] {
		return nil, fmt.Errorf("%w: header", ErrChecksum)
	}
	n := headerSize + int(frame[2]) + trailerSize
	if len(frame) < n {
		return nil, fmt.Errorf("%w: have %d of %d bytes", ErrShortFrame, len(frame), n)
	}
	if crc16(frame[:n-trailerSize]) != binary.LittleEndian.Uint16(frame[n-trailerSize:]) {
		return nil, fmt.Errorf("%w: frame", ErrChecksum)
	}
	return unmarshal(Kind(frame[1]), frame[headerSize:n-trailerSize])
}

// Decoder reads frames from a byte stream, skipping noise between frames
// and resynchronising on the next start byte after a corrupt frame.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4*MaxFrameSize)}
}

// Next returns the next frame's message. Errors for which Recoverable is
// true leave the decoder positioned after the bad start byte; any other
// error (including io.EOF at a frame boundary) ends the stream.
func (d *Decoder) Next() (Message, error) {
	if err := d.skipToSOF(); err != nil {
		return nil, err
	}

	hdr, err := d.r.Peek(headerSize)
	if err != nil {
		return nil, d.truncated(err)
	}
	if crc8(hdr[:3]) != hdr[3] {
		d.r.Discard(1)
		return nil, fmt.Errorf("%w: header", ErrChecksum)
	}

	n := headerSize + int(hdr[2]) + trailerSize
	frame, err := d.r.Peek(n)
	if err != nil {
		return nil, d.truncated(err)
	}
	if crc16(frame[:n-trailerSize]) != binary.LittleEndian.Uint16(frame[n-trailerSize:]) {
		d.r.Discard(1)
		return nil, fmt.Errorf("%w: frame", ErrChecksum)
	}

	msg, err := unmarshal(Kind(frame[1]), frame[headerSize:n-trailerSize])
	d.r.Discard(n)
	return msg, err
}

func (d *Decoder) skipToSOF() error {
	for {
		b, err := d.r.Peek(1)
		if err != nil {
			return err
		}
		if b[0] == SOF {
			return nil
		}
		d.r.Discard(1)
	}
}

func (d *Decoder) truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrShortFrame, io.ErrUnexpectedEOF)
	}
	return err
}
