// Package control is the thin JSON-only HTTP surface for health,
// task snapshots, config get/apply, and reload — the teacher's
// internal/api/server.go without its 893-line server-rendered UI
// (explicitly out of scope, §1). Grounded on the teacher's Control
// interface and handler set, rebuilt on chi for routing instead of a
// bare http.ServeMux.
package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Logger is the narrow logging interface this package depends on.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// Control is the contract the daemon's main wiring implements so this
// package stays decoupled from internal/manager and internal/config.
type Control interface {
	Reload(ctx context.Context) error
	TasksSnapshot() any
	GetConfig() any
	ApplyConfig(ctx context.Context, raw []byte) error
}

// Server is the control-plane HTTP listener.
type Server struct {
	log  Logger
	ctrl Control
	mux  chi.Router
	addr string

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	started bool
}

// New builds a Server with every route registered.
func New(log Logger, ctrl Control, addr string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	s := &Server{log: log, ctrl: ctrl, mux: r, addr: addr}

	r.Get("/health", s.handleHealth)
	r.Get("/tasks", s.handleTasks)
	r.Post("/reload", s.handleReload)
	r.Get("/config", s.handleGetConfig)
	r.Post("/config", s.handleApplyConfig)

	return s
}

// Start begins listening. It returns once the listener is bound;
// Serve runs in a background goroutine and Shutdown is wired to ctx
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Infow("control server listening", "addr", s.addr)
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("control server error", "error", err)
		}
	}()
	s.started = true
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.started = false
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ctrl == nil {
		_ = json.NewEncoder(w).Encode([]any{})
		return
	}
	_ = json.NewEncoder(w).Encode(s.ctrl.TasksSnapshot())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ctrl.GetConfig())
}

func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.ctrl.ApplyConfig(ctx, raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.ctrl.Reload(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
