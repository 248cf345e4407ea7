package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/gimbal.aim/internal/httputil"
)

const (
	DefaultStreamInterval = 100 * time.Millisecond
	MinStreamInterval     = 10 * time.Millisecond

	streamWriteTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	// the status page is served from the robot itself and from laptops on
	// the pit network
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamStatus pushes a Status message over a websocket every interval
// (?interval=, default 100ms) until the client goes away.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	interval := DefaultStreamInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < MinStreamInterval {
			httputil.BadRequest(w, "interval must be a duration of at least "+MinStreamInterval.String())
			return
		}
		interval = d
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status stream: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// clients never send anything; reading is how a close is noticed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("status stream: websocket error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(s.status()); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
