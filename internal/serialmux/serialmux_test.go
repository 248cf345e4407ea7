package serialmux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/protocol"
)

// startMonitor runs Monitor in the background and returns its result channel.
func startMonitor(t *testing.T, mux *SerialMux[*TestableSerialPort]) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Monitor to return")
		return nil
	}
}

// TestSerialMux_Subscribe tests subscribing to the serial mux
func TestSerialMux_Subscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Error("Subscription returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Error("Subscription returned nil channel")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("Expected channel to be closed after Unsubscribe")
	}
	// Should not panic
	mux.Unsubscribe("non-existent-id")
}

// TestSerialMux_MonitorDeliversTelemetry tests that decoded telemetry reaches
// every subscriber and that corrupt frames are counted and skipped.
func TestSerialMux_MonitorDeliversTelemetry(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	cancel, done := startMonitor(t, mux)

	want := protocol.GimbalTelemetry{Yaw: 12.5, Pitch: -3, YawVelocity: 40}
	corrupt := protocol.Encode(protocol.GimbalTelemetry{Yaw: 1})
	corrupt[5] ^= 0xFF

	var stream bytes.Buffer
	stream.Write(corrupt)
	stream.Write(protocol.Encode(protocol.AimCommand{Yaw: 1})) // wrong direction, ignored
	stream.Write(protocol.Encode(want))
	port.AddReadData(stream.Bytes())

	for i, ch := range []chan protocol.GimbalTelemetry{ch1, ch2} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("subscriber %d: got %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d: timeout waiting for telemetry", i)
		}
	}

	st := mux.Stats()
	if st.Received != 1 {
		t.Errorf("Expected 1 received frame, got %d", st.Received)
	}
	if st.DecodeErrors < 1 {
		t.Errorf("Expected decode errors to be counted, got %d", st.DecodeErrors)
	}

	cancel()
	if err := waitErr(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	port.Close()
}

// TestSerialMux_SendWritesFrames tests that queued commands are framed and written.
func TestSerialMux_SendWritesFrames(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, done := startMonitor(t, mux)
	defer port.Close()

	cmds := []protocol.AimCommand{
		{Mode: 0, Yaw: 1.5, Pitch: -0.5},
		{Mode: 1, Yaw: 90, Pitch: 10},
	}
	for _, c := range cmds {
		if err := mux.Send(c); err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	}

	var expected []byte
	for _, c := range cmds {
		expected = append(expected, protocol.Encode(c)...)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Equal(port.GetWrittenData(), expected) {
		if time.Now().After(deadline) {
			t.Fatalf("written data %x, want %x", port.GetWrittenData(), expected)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := mux.Stats().Sent; got != 2 {
		t.Errorf("Expected 2 sent frames, got %d", got)
	}

	select {
	case err := <-done:
		t.Fatalf("Monitor returned early: %v", err)
	default:
	}
}

// TestSerialMux_SendQueueFull tests that Send never blocks.
func TestSerialMux_SendQueueFull(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	// no Monitor running: nothing drains the queue
	for i := 0; i < DefaultQueueSize; i++ {
		if err := mux.Send(protocol.AimCommand{}); err != nil {
			t.Fatalf("Send %d returned error: %v", i, err)
		}
	}
	if err := mux.Send(protocol.AimCommand{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

// TestSerialMux_WriteFailureIsTerminal tests that a failed write stops Monitor
// and closes the transport for further sends.
func TestSerialMux_WriteFailureIsTerminal(t *testing.T) {
	port := NewTestableSerialPort()
	port.SetWriteError(errors.New("device unplugged"))
	mux := NewSerialMux(port)
	_, done := startMonitor(t, mux)
	defer port.Close()

	if err := mux.Send(protocol.AimCommand{Yaw: 1}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	err := waitErr(t, done)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Expected ErrWriteFailed, got %v", err)
	}
	if err := mux.Send(protocol.AimCommand{}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed after failure, got %v", err)
	}
	if !mux.Stats().Stopped {
		t.Error("Expected Stats to report the transport stopped")
	}
}

// TestSerialMux_Close tests that Close closes subscriber channels, ends
// Monitor cleanly and refuses further sends.
func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	_, done := startMonitor(t, mux)

	if err := mux.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected subscriber channel to be closed")
	}
	if err := waitErr(t, done); err != nil {
		t.Errorf("Expected nil from Monitor after Close, got %v", err)
	}
	if err := mux.Send(protocol.AimCommand{}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}

	// subscribing after close returns a closed channel
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Expected closed channel after Close")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	samples [][4]float64
}

func (r *recordingSink) UpdateGimbal(yaw, pitch, yv, pv float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, [4]float64{yaw, pitch, yv, pv})
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// TestFeedTelemetry tests that the mock control unit feeds a sink.
func TestFeedTelemetry(t *testing.T) {
	mux := NewMockSerialMux(protocol.GimbalTelemetry{Yaw: 90})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mux.Monitor(ctx)

	sink := &recordingSink{}
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		FeedTelemetry(ctx, mux, sink)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for telemetry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	yaw := sink.samples[0][0]
	sink.mu.Unlock()
	if yaw < 1.5707 || yaw > 1.5709 {
		t.Errorf("Expected yaw of pi/2 rad, got %f", yaw)
	}

	if err := mux.Send(protocol.AimCommand{Yaw: 1}); err != nil {
		t.Errorf("Send returned error: %v", err)
	}

	mux.Close()
	select {
	case <-fed:
	case <-time.After(2 * time.Second):
		t.Fatal("FeedTelemetry did not return after Close")
	}
}

func TestHandleTelemetry_DropsNonFinite(t *testing.T) {
	sink := &recordingSink{}
	nan := float32(0)
	nan = nan / nan

	if HandleTelemetry(sink, protocol.GimbalTelemetry{Yaw: nan}) {
		t.Error("Expected NaN telemetry to be dropped")
	}
	if !HandleTelemetry(sink, protocol.GimbalTelemetry{Yaw: 1}) {
		t.Error("Expected finite telemetry to be accepted")
	}
	if sink.count() != 1 {
		t.Errorf("Expected 1 sample, got %d", sink.count())
	}
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()

	if err := d.Send(protocol.AimCommand{}); err != nil {
		t.Errorf("Send returned error: %v", err)
	}
	if got := d.Stats().Sent; got != 1 {
		t.Errorf("Expected 1 dropped command, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	d.Close()
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed")
	}
	// idempotent
	if err := d.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}
