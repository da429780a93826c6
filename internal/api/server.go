// Package api exposes the bridge over HTTP: call-control commands per
// extension, live state streaming for monitors, listener management, and
// the audit trail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	types "github.com/sebas/ctibridge/api/types/v1"
	"github.com/sebas/ctibridge/internal/audit"
	"github.com/sebas/ctibridge/internal/callctl"
	"github.com/sebas/ctibridge/internal/notify"
	"github.com/sebas/ctibridge/internal/provider"
	"github.com/sebas/ctibridge/internal/supervisor"
)

// Server provides the HTTP API for the bridge.
type Server struct {
	addr       string
	httpServer *http.Server
	registry   *callctl.Registry
	supervisor *supervisor.Supervisor
	hub        *notify.Hub
	recorder   *audit.Recorder
	startTime  time.Time
}

// NewServer creates the API server.
func NewServer(addr string, registry *callctl.Registry, sup *supervisor.Supervisor, hub *notify.Hub, recorder *audit.Recorder) *Server {
	s := &Server{
		addr:       addr,
		registry:   registry,
		supervisor: sup,
		hub:        hub,
		recorder:   recorder,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)

	// Extensions: state and commands
	mux.HandleFunc("/api/v1/extensions", s.handleExtensions)
	mux.HandleFunc("/api/v1/extensions/", s.handleExtension)

	// Listeners
	mux.HandleFunc("/api/v1/listeners", s.handleListeners)
	mux.HandleFunc("/api/v1/listeners/setup", s.handleListenerSetup)

	// Monitor event stream
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	// Audit trail
	mux.HandleFunc("/api/v1/audit/successes", s.handleAuditSuccesses)
	mux.HandleFunc("/api/v1/audit/failures", s.handleAuditFailures)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	s.writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(uptime),
	})
}

// --- Extensions ---

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.registry.Snapshots())
}

// handleExtension dispatches per-extension requests:
// GET  /api/v1/extensions/{ext}          - state snapshot
// POST /api/v1/extensions/{ext}/{action} - login, logout, dial, answer, hangup
func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/extensions/")
	parts := strings.Split(path, "/")
	ext := parts[0]
	if ext == "" {
		http.Error(w, "Extension required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, ok := s.registry.Lookup(ext)
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, m.Snapshot())
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd types.CommandRequest
	if r.Body != nil {
		// An empty body is fine for commands without parameters.
		_ = json.NewDecoder(r.Body).Decode(&cmd)
	}

	// Only login brings an extension into being; the other commands need
	// an extension already known from a login or a listener setup.
	var m *callctl.Machine
	if parts[1] == "login" {
		m = s.registry.Get(ext)
	} else {
		var ok bool
		m, ok = s.registry.Lookup(ext)
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	var err error
	switch parts[1] {
	case "login":
		err = m.Login(r.Context(), cmd.Password)
	case "logout":
		err = m.Logout(r.Context())
	case "dial":
		if cmd.Target == "" {
			http.Error(w, "Target required", http.StatusBadRequest)
			return
		}
		err = m.Dial(r.Context(), cmd.Target)
	case "answer":
		err = m.Answer(r.Context())
	case "hangup":
		err = m.Hangup(r.Context())
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, m.Snapshot())
}

// writeCommandError maps command failures onto HTTP status codes.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, callctl.ErrBusy),
		errors.Is(err, callctl.ErrAlreadyLoggedIn),
		errors.Is(err, callctl.ErrNotIdle),
		errors.Is(err, callctl.ErrNoIncomingCall),
		errors.Is(err, callctl.ErrNoActiveCall),
		errors.Is(err, callctl.ErrCallInProgress):
		code = http.StatusConflict
	case errors.Is(err, provider.ErrBadCredentials):
		code = http.StatusUnauthorized
	case errors.Is(err, provider.ErrUnknownTarget):
		code = http.StatusNotFound
	case errors.Is(err, callctl.ErrTimeout):
		code = http.StatusGatewayTimeout
	default:
		var rejected *provider.RejectedError
		if errors.As(err, &rejected) {
			code = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error()})
}

// --- Listeners ---

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.supervisor.Report())
}

// handleListenerSetup attaches listeners for every monitorable extension.
// Runs on a background context so a dropped HTTP client cannot abort the
// sweep halfway through.
func (s *Server) handleListenerSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := s.supervisor.AttachAll(context.Background())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, summary)
}

// --- Monitor event stream ---

const heartbeatInterval = 30 * time.Second

// handleEvents streams state changes to one monitor over SSE. Only changes
// the monitor is authorized for reach its stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	monitor := r.URL.Query().Get("monitor")
	if monitor == "" {
		http.Error(w, "Monitor required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.hub.Subscribe(monitor, 64)
	defer s.hub.Unsubscribe(sub)

	// Connection acknowledgment so the client knows the stream is live.
	_, _ = w.Write([]byte("event: connected\ndata: {}\n\n"))
	flusher.Flush()

	slog.Info("[API] Monitor stream opened", "monitor", monitor)
	defer slog.Info("[API] Monitor stream closed", "monitor", monitor)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case change, ok := <-sub.Changes():
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				slog.Error("[API] Failed to encode state change", "error", err)
				continue
			}
			_, _ = w.Write([]byte("event: state\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()

		case <-heartbeat.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// --- Audit ---

func (s *Server) handleAuditSuccesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.recorder.RecentSuccesses())
}

func (s *Server) handleAuditFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.recorder.RecentFailures())
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
