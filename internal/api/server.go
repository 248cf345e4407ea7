// Package api serves the aiming service's status and runtime configuration
// over HTTP.
package api

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/config"
	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/gimbal"
	"github.com/banshee-data/gimbal.aim/internal/httputil"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/mqttpub"
	"github.com/banshee-data/gimbal.aim/internal/pipeline"
	"github.com/banshee-data/gimbal.aim/internal/serialmux"
	"github.com/banshee-data/gimbal.aim/internal/tracking"
	"github.com/banshee-data/gimbal.aim/internal/units"
	"github.com/banshee-data/gimbal.aim/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Deps are the collaborators the server reports on. Only Tracker is
// required.
type Deps struct {
	Tracker   *tracking.Tracker
	Gimbal    tracking.TelemetrySource
	Pipeline  interface{ Stats() pipeline.Stats }
	Transport interface{ Stats() serialmux.Stats }
	Recorder  interface {
		Stats() db.RecorderStats
		SessionID() string
	}
	Publisher interface{ Stats() mqttpub.Stats }

	// OnConfig runs after a new tuning config has been handed to the
	// tracker, for settings owned by other components.
	OnConfig func(*config.TuningConfig)
}

type Server struct {
	deps Deps

	mu     sync.RWMutex
	tuning *config.TuningConfig
}

func NewServer(deps Deps, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.DefaultTuningConfig()
	}
	return &Server{deps: deps, tuning: tuning}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/histories", s.listHistories)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/stream", s.streamStatus)
	return mux
}

// CommandView is an aiming command in both radians and degrees.
type CommandView struct {
	Mode     tracking.ControlMode `json:"mode"`
	Yaw      float64              `json:"yaw"`
	Pitch    float64              `json:"pitch"`
	YawDeg   float64              `json:"yaw_deg"`
	PitchDeg float64              `json:"pitch_deg"`
}

// Status is the body of GET /api/status.
type Status struct {
	SessionID     string               `json:"session_id,omitempty"`
	ConfigVersion int                  `json:"config_version"`
	Captured      int64                `json:"captured"`
	Mode          tracking.ControlMode `json:"mode"`
	Outcome       tracking.Outcome     `json:"outcome"`
	ShouldSend    bool                 `json:"should_send"`
	Command       *CommandView         `json:"command,omitempty"`
	TargetID      int64                `json:"target_id"`
	Trace         *tracking.Trace      `json:"trace,omitempty"`
	Histories     int                  `json:"histories"`
	Gimbal        *gimbal.Snapshot     `json:"gimbal,omitempty"`
	Pipeline      *pipeline.Stats      `json:"pipeline,omitempty"`
	Serial        *serialmux.Stats     `json:"serial,omitempty"`
	Recorder      *db.RecorderStats    `json:"recorder,omitempty"`
	MQTT          *mqttpub.Stats       `json:"mqtt,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	httputil.WriteJSONOK(w, s.status())
}

func (s *Server) status() Status {
	s.mu.RLock()
	cfgVersion := s.tuning.GetVersion()
	s.mu.RUnlock()

	res := s.deps.Tracker.Result()
	st := Status{
		ConfigVersion: cfgVersion,
		Captured:      int64(res.Captured),
		Mode:          res.Mode,
		Outcome:       res.Outcome,
		ShouldSend:    res.ShouldSend,
		TargetID:      res.TargetID,
		Trace:         res.Trace,
		Histories:     res.Histories,
	}
	if res.ShouldSend {
		st.Command = &CommandView{
			Mode:     res.Command.Mode,
			Yaw:      res.Command.Yaw,
			Pitch:    res.Command.Pitch,
			YawDeg:   units.ToDegrees(res.Command.Yaw),
			PitchDeg: units.ToDegrees(res.Command.Pitch),
		}
	}
	if s.deps.Gimbal != nil {
		snap := s.deps.Gimbal.Snapshot()
		st.Gimbal = &snap
	}
	if s.deps.Pipeline != nil {
		ps := s.deps.Pipeline.Stats()
		st.Pipeline = &ps
	}
	if s.deps.Transport != nil {
		ss := s.deps.Transport.Stats()
		st.Serial = &ss
	}
	if s.deps.Recorder != nil {
		rs := s.deps.Recorder.Stats()
		st.Recorder = &rs
		st.SessionID = s.deps.Recorder.SessionID()
	}
	if s.deps.Publisher != nil {
		ms := s.deps.Publisher.Stats()
		st.MQTT = &ms
	}
	return st
}

func (s *Server) listHistories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	hs := s.deps.Tracker.Histories()
	if hs == nil {
		hs = []tracking.HistorySnapshot{}
	}
	httputil.WriteJSONOK(w, hs)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.RLock()
		cfg := s.tuning
		s.mu.RUnlock()
		httputil.WriteJSONOK(w, cfg)

	case http.MethodPost:
		data, err := httputil.ReadBody(w, r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		cfg, err := config.ParseTuningConfig(data)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}

		s.mu.Lock()
		if kept := keepStartupSettings(s.tuning, cfg); len(kept) > 0 {
			monitoring.Warnf("%s only take effect on restart; keeping the running values", strings.Join(kept, ", "))
		}
		s.tuning = cfg
		s.deps.Tracker.ApplyConfig(tracking.ConfigFromTuning(cfg))
		if s.deps.OnConfig != nil {
			s.deps.OnConfig(cfg)
		}
		s.mu.Unlock()

		log.Printf("applied new tuning config; target histories will be reset")
		httputil.WriteJSONOK(w, cfg)

	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// keepStartupSettings copies the settings that are only read at startup
// from running into next, and names the ones next tried to change.
func keepStartupSettings(running, next *config.TuningConfig) []string {
	var kept []string
	if !serialmux.PortOptionsFromTuning(running).Equal(serialmux.PortOptionsFromTuning(next)) {
		kept = append(kept, "serial options")
	}
	next.SerialBaudRate = running.SerialBaudRate
	next.SerialDataBits = running.SerialDataBits
	next.SerialStopBits = running.SerialStopBits
	next.SerialParity = running.SerialParity

	if running.GetRecordFlushInterval() != next.GetRecordFlushInterval() {
		kept = append(kept, "record_flush_interval")
	}
	next.RecordFlushInterval = running.RecordFlushInterval
	return kept
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Info())
}
