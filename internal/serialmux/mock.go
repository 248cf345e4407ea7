package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/protocol"
)

// MockTelemetryInterval is how often the mock control unit reports.
const MockTelemetryInterval = 10 * time.Millisecond

// MockSerialPort is a fake control unit. Reads return the frames written to
// the pipe by the generator goroutine; writes are counted and discarded.
type MockSerialPort struct {
	r *io.PipeReader

	commands atomic.Uint64
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	if _, err := protocol.Parse(p); err != nil {
		monitoring.Warnf("mock serial: bad command frame: %v", err)
	}
	m.commands.Add(1)
	return len(p), nil
}

// Commands returns the number of frames written to the port.
func (m *MockSerialPort) Commands() uint64 {
	return m.commands.Load()
}

// Close stops the generator.
func (m *MockSerialPort) Close() error {
	return m.r.Close()
}

// NewMockSerialMux creates a SerialMux instance backed by a mock serial port
// that reports the given telemetry every MockTelemetryInterval.
func NewMockSerialMux(telemetry protocol.GimbalTelemetry) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	mockPort := &MockSerialPort{r: r}
	frame := protocol.Encode(telemetry)

	// generate data periodically to simulate serial port input
	go func() {
		defer w.Close()
		ticker := time.NewTicker(MockTelemetryInterval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(mockPort)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteError is returned by every Write call while set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing. Reads
// block until data is added or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

var errPortClosed = errors.New("serial port closed")

// Read reads from the read buffer, blocking while it is empty.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer unless WriteError is set.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// SetWriteError makes subsequent writes fail with err.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
