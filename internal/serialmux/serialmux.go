// Serialmux provides an abstraction over the serial link to the gimbal
// control unit: telemetry frames read from the port are fanned out to any
// number of subscribers, and aiming commands are queued and written by a
// single writer.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/protocol"
)

var (
	ErrWriteFailed     = errors.New("failed to write to serial port")
	ErrQueueFull       = errors.New("command queue full")
	ErrTransportClosed = errors.New("serial transport closed")
)

// DefaultQueueSize is the number of commands that may wait for the writer.
const DefaultQueueSize = 8

// subscriberBuffer lets a slow reader miss a few samples before frames are
// dropped for it.
const subscriberBuffer = 4

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to telemetry from a single serial port and queue commands to it.
type SerialMux[T SerialPorter] struct {
	port  T
	queue chan protocol.AimCommand

	subscribers  map[string]chan protocol.GimbalTelemetry
	subscriberMu sync.Mutex

	closing atomic.Bool
	stopped atomic.Bool

	sent         atomic.Uint64
	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving telemetry from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan protocol.GimbalTelemetry)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Send queues a command for the writer without blocking.
	Send(protocol.AimCommand) error
	// Monitor reads telemetry from the serial port, delivers it to
	// subscribers and writes queued commands until ctx ends or the port
	// fails.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// Stats returns transfer counters.
	Stats() Stats

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats counts frames moved over the link.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
	Stopped      bool   `json:"stopped"`
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		queue:       make(chan protocol.AimCommand, DefaultQueueSize),
		subscribers: make(map[string]chan protocol.GimbalTelemetry),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan protocol.GimbalTelemetry) {
	id := randomID()
	ch := make(chan protocol.GimbalTelemetry, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Send queues cmd for the writer. It never blocks: a full queue returns
// ErrQueueFull, and once Monitor has stopped every call returns
// ErrTransportClosed.
func (s *SerialMux[T]) Send(cmd protocol.AimCommand) error {
	if s.stopped.Load() || s.closing.Load() {
		return ErrTransportClosed
	}
	select {
	case s.queue <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *SerialMux[T]) write(cmd protocol.AimCommand) error {
	frame := protocol.Encode(cmd)
	n, err := s.port.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(frame))
	}
	s.sent.Add(1)
	return nil
}

// Monitor decodes telemetry from the serial port for subscribers and
// writes queued commands. It returns when ctx is done, the port reaches
// EOF or a read or write fails; Send is refused from then on.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	defer s.stopped.Store(true)

	dec := protocol.NewDecoder(s.port)

	telemetry := make(chan protocol.GimbalTelemetry)
	readErrChan := make(chan error, 1)

	// the blocking decoder runs in its own goroutine so the loop below can
	// keep writing commands and watching ctx.
	go func() {
		for {
			msg, err := dec.Next()
			if err != nil {
				if protocol.Recoverable(err) {
					s.decodeErrors.Add(1)
					monitoring.Debugf("serial: dropped frame: %v", err)
					continue
				}
				readErrChan <- err
				return
			}
			t, ok := msg.(protocol.GimbalTelemetry)
			if !ok {
				monitoring.Debugf("serial: ignoring %s frame", msg.Kind())
				continue
			}
			select {
			case telemetry <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			if s.closing.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case cmd := <-s.queue:
			if err := s.write(cmd); err != nil {
				return err
			}

		case t := <-telemetry:
			if s.closing.Load() {
				return nil
			}
			s.received.Add(1)
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- t:
				default:
					// subscriber is behind; it gets the next sample
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		Sent:         s.sent.Load(),
		Received:     s.received.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Stopped:      s.stopped.Load(),
	}
}
