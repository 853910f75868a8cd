// Package server implements the steward HTTP boundary: starting runs as SSE
// streams, steering running conversations and inspecting their tasks, cache
// and event history.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/cache"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/inject"
	"github.com/GoCodeAlone/steward/task"
)

// KeepAliveInterval is how often idle SSE connections get a comment frame.
var KeepAliveInterval = 15 * time.Second

// AgentLister reports the configured agents for /api/status.
type AgentLister interface {
	Infos() []agent.Info
}

// Deps are the components the server exposes.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Tasks      task.Store
	Queue      *inject.Queue
	Cache      *cache.Cache
	Bus        *events.Bus
	// Sinks receive every run event in addition to Bus.
	Sinks  []events.Sink
	Agents AgentLister
}

// Server is the steward HTTP server.
type Server struct {
	cfg     config.Config
	deps    Deps
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	routesOnce sync.Once

	// runs outlive their requests; they stop when the server does.
	baseCtx    context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, deps Deps, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(cfg.Events.History, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		deps:       deps,
		mux:        http.NewServeMux(),
		logger:     logger,
		baseCtx:    ctx,
		cancelRuns: cancel,
		startTime:  time.Now(),
		version:    ver,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server, then cancels and waits for
// runs still in flight.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancelRuns()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("runs still in flight at shutdown")
	}
	return err
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/auth/me", s.handleMe)

	api.HandleFunc("POST /api/runs", s.handleRun)

	api.HandleFunc("POST /api/conversations/{id}/messages", s.handleQueueMessage)
	api.HandleFunc("GET /api/conversations/{id}/messages", s.handlePendingMessages)
	api.HandleFunc("POST /api/conversations/{id}/stop", s.handleStop)
	api.HandleFunc("GET /api/conversations/{id}/tasks", s.handleTasks)
	api.HandleFunc("GET /api/conversations/{id}/plan.md", s.handlePlanMarkdown)
	api.HandleFunc("POST /api/conversations/{id}/cache/search", s.handleCacheSearch)
	api.HandleFunc("DELETE /api/conversations/{id}/cache", s.handleCacheClear)
	api.HandleFunc("GET /api/conversations/{id}/events", s.handleEvents)
	api.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	s.mux.Handle("/api/", s.authMiddleware(api))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
