// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
	"github.com/markb/livefeed/internal/observability"
)

// Inspector reports the connections currently held.
type Inspector interface {
	Snapshot() []live.ConnectionInfo
}

// InspectorFunc adapts a function such as live.Snapshot to Inspector.
type InspectorFunc func() []live.ConnectionInfo

func (f InspectorFunc) Snapshot() []live.ConnectionInfo { return f() }

type Config struct {
	// CORSOrigins lists origins allowed to read the debug endpoints. Empty
	// means same-origin only.
	CORSOrigins []string

	// Telemetry instruments requests when set.
	Telemetry *observability.Telemetry
}

// Server exposes read-only connection state and recent logs over HTTP.
type Server struct {
	router    *chi.Mux
	inspector Inspector
	started   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func New(inspector Inspector, cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		inspector: inspector,
		started:   time.Now(),
	}
	s.setupRoutes(cfg)
	return s
}

func (s *Server) setupRoutes(cfg Config) {
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS", "HEAD"},
			AllowedHeaders: []string{"Accept", "Content-Type", log.RequestIDHeader},
			ExposedHeaders: []string{log.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	if cfg.Telemetry != nil {
		s.router.Use(observability.HTTPMiddleware(cfg.Telemetry, "livefeed-debug"))
	}
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/debug", func(r chi.Router) {
		r.Get("/connections", s.handleConnections)
		r.Get("/connections/{resource}", s.handleConnection)
		r.Get("/logs", s.handleLogs)
		r.Get("/logs/stored", s.handleStoredLogs)
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Connected   int    `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns := s.inspector.Snapshot()
	resp := healthResponse{
		Status:      "healthy",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Connections: len(conns),
	}
	for _, c := range conns {
		if c.Connected {
			resp.Connected++
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.inspector.Snapshot()
	if conns == nil {
		conns = []live.ConnectionInfo{}
	}
	json.NewEncoder(w).Encode(conns)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	for _, c := range s.inspector.Snapshot() {
		if c.Resource == resource {
			json.NewEncoder(w).Encode(c)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no connection for %q", resource))
}

type logsResponse struct {
	Lines    []string `json:"lines"`
	Total    int      `json:"total"`
	Capacity int      `json:"capacity"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r, 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	total, capacity, ok := log.GetBufferStats()
	if !ok {
		s.writeError(w, http.StatusNotFound, "buffer_disabled", "log buffer is disabled")
		return
	}

	json.NewEncoder(w).Encode(logsResponse{
		Lines:    log.GetBufferedLogsMatching(n, r.URL.Query().Get("resource")),
		Total:    total,
		Capacity: capacity,
	})
}

func (s *Server) handleStoredLogs(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r, 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	entries, ok, err := log.QueryStored(r.Context(), log.Query{
		Resource: r.URL.Query().Get("resource"),
		MinLevel: log.ParseLevel(r.URL.Query().Get("level")),
		Limit:    n,
	})
	switch {
	case !ok:
		s.writeError(w, http.StatusNotFound, "not_stored", "logs are not written to a database")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
	default:
		if entries == nil {
			entries = []log.Entry{}
		}
		json.NewEncoder(w).Encode(entries)
	}
}

// limitParam reads ?n=, capped at 1000.
func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("n must be a positive integer, got %q", raw)
	}
	return min(n, 1000), nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// Start listens on addr and serves in the background. Use Addr to learn the
// port when addr ends in :0.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug server: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server stopped", "error", err)
		}
	}()
	log.Info("debug server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}
