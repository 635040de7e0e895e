// Package api implements the read-only status HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/shelfwatch/internal/buildinfo"
	"github.com/nugget/shelfwatch/internal/connwatch"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/history"
	"github.com/nugget/shelfwatch/internal/occupancy"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// OccupancySource is the read side of the signal state.
// *occupancy.Tracker satisfies it.
type OccupancySource interface {
	Result() occupancy.Result
	Provenance(s occupancy.Signal) (occupancy.Provenance, bool)
}

// HealthSource reports per-service connection health.
// *connwatch.Manager satisfies it.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// HistorySource lists recent slot transitions. *history.Window
// satisfies it.
type HistorySource interface {
	Recent() []history.Entry
	Summary() string
}

// Config holds the server dependencies.
type Config struct {
	Address string
	Port    int

	Occupancy OccupancySource
	Health    HealthSource
	History   HistorySource

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Events backs the /v1/events stream. Nil disables the endpoint.
	Events *events.Bus

	Logger *slog.Logger
}

// Server is the HTTP status server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a status server. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/occupancy", s.handleOccupancy)
	mux.HandleFunc("GET /v1/occupancy/history", s.handleHistory)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.cfg.Events != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		}))
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.cfg.Port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A Start that has not begun
// listening yet returns http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Shelfwatch",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// OccupancyResponse is the /v1/occupancy body.
type OccupancyResponse struct {
	occupancy.Result
	Provenance map[string]occupancy.Provenance `json:"provenance"`
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Occupancy == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "occupancy not available")
		return
	}

	resp := OccupancyResponse{
		Result:     s.cfg.Occupancy.Result(),
		Provenance: make(map[string]occupancy.Provenance, len(occupancy.Signals)),
	}
	for _, sig := range occupancy.Signals {
		if p, ok := s.cfg.Occupancy.Provenance(sig); ok {
			resp.Provenance[sig.String()] = p
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, s.cfg.History.Summary())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"transitions": s.cfg.History.Recent(),
	}, s.logger)
}

// handleEvents streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.cfg.Events.Subscribe(64)
	defer s.cfg.Events.Unsubscribe(ch)
	s.logger.Debug("event stream opened",
		"remote", r.RemoteAddr,
		"subscribers", s.cfg.Events.SubscriberCount(),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSE(w, e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}
