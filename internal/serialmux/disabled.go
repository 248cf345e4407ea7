package serialmux

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/gimbal.aim/internal/protocol"
)

// DisabledSerialMux is a no-op SerialMuxInterface used when the control unit
// is absent (for --disable-serial). Commands are counted and dropped, and no
// telemetry ever arrives, so the tracker stays in relative angle mode.
// Subscribers are tracked so their channels can be deterministically closed
// on Unsubscribe() or Close(), allowing readers to unblock during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan protocol.GimbalTelemetry
	closing     bool

	dropped atomic.Uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan protocol.GimbalTelemetry),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan protocol.GimbalTelemetry) {
	id := randomID()
	ch := make(chan protocol.GimbalTelemetry)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) Send(protocol.AimCommand) error {
	d.dropped.Add(1)
	return nil
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

// Stats reports dropped commands as sent so status output stays comparable.
func (d *DisabledSerialMux) Stats() Stats {
	return Stats{Sent: d.dropped.Load()}
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
