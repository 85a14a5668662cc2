// Package server implements the slated HTTP server: REST API, JWT auth,
// prometheus metrics, and SSE event streaming.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/config"
	"github.com/slateworks/slate/server/api"
	"github.com/slateworks/slate/server/sse"
	"github.com/slateworks/slate/workflow"
)

// Server is the slated HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	registry *agent.Registry
	engine   *workflow.Engine
	bus      bus.Bus
	gatherer prometheus.Gatherer
	handlers *api.Handlers

	hub       *sse.Hub
	unsubHub  func()
	startTime time.Time

	auth authState
}

// New creates a Server with the given config and logger.
func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       sse.NewHub(logger),
		startTime: time.Now(),
	}
}

// SetRegistry attaches the agent registry backing the /api/agents routes.
func (s *Server) SetRegistry(reg *agent.Registry) {
	s.registry = reg
}

// SetEngine attaches the workflow engine backing the /api/workflows routes.
func (s *Server) SetEngine(eng *workflow.Engine) {
	s.engine = eng
}

// SetBus attaches the message bus. The bus serves /api/bus/history, agent
// pings, and feeds the SSE hub.
func (s *Server) SetBus(b bus.Bus) {
	s.bus = b
}

// SetGatherer attaches the prometheus gatherer served at /metrics.
// Defaults to the global prometheus registry.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Start registers routes, feeds the SSE hub from the bus, and begins
// listening.
func (s *Server) Start() error {
	s.registerRoutes()

	if s.bus != nil {
		unsub, err := s.hub.FeedBus(s.bus)
		if err != nil {
			return err
		}
		s.unsubHub = unsub
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9190"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubHub != nil {
		s.unsubHub()
		s.unsubHub = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Registry: s.registry,
		Engine:   s.engine,
		Bus:      s.bus,
		Logger:   s.logger,
		Started:  s.startTime,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.Status)

	// Metrics are served unauthenticated for scrapers.
	g := s.gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	// SSE authenticates inline because EventSource can't set headers;
	// the token travels as a query parameter instead.
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	// Everything else under /api/ requires a bearer token.
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleEvents upgrades an authenticated request to an SSE stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if _, err := s.verifyToken(token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.hub.ServeSSE(w, r)
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
