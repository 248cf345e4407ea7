package serialmux

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/gimbal.aim/internal/protocol"
	"tailscale.com/tsweb"
)

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "serial link counters", func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "sent:          %d\n", st.Sent)
		fmt.Fprintf(w, "received:      %d\n", st.Received)
		fmt.Fprintf(w, "decode errors: %d\n", st.DecodeErrors)
		fmt.Fprintf(w, "stopped:       %t\n", st.Stopped)
	})

	// API endpoint to queue a manual aim command. Angles are degrees.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd, err := parseCommandForm(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Send(cmd); err != nil {
			http.Error(w, fmt.Sprintf("Failed to queue command: %v", err), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, fmt.Sprintf("Queued command mode=%d yaw=%.3f pitch=%.3f", cmd.Mode, cmd.Yaw, cmd.Pitch))
	})

	// API endpoint to issue Server-Side Events (SSE) for every telemetry frame.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case t, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				payload, err := json.Marshal(t)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func parseCommandForm(r *http.Request) (protocol.AimCommand, error) {
	var cmd protocol.AimCommand

	switch mode := strings.TrimSpace(r.FormValue("mode")); mode {
	case "", "0", "relative":
		cmd.Mode = 0
	case "1", "absolute":
		cmd.Mode = 1
	default:
		return cmd, fmt.Errorf("invalid mode %q", mode)
	}

	for _, f := range []struct {
		name string
		dst  *float32
	}{
		{"yaw", &cmd.Yaw},
		{"pitch", &cmd.Pitch},
	} {
		raw := strings.TrimSpace(r.FormValue(f.name))
		if raw == "" {
			return cmd, fmt.Errorf("missing %s", f.name)
		}
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return cmd, fmt.Errorf("invalid %s %q", f.name, raw)
		}
		*f.dst = float32(v)
	}
	return cmd, nil
}
