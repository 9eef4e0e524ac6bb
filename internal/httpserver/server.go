package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

// StatusProvider reports the relay's current state.
type StatusProvider interface {
	Status() domain.Status
}

// Server is the local HTTP server that exposes relay health and status.
type Server struct {
	status     StatusProvider
	maxFails   int
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a status server on the given port. maxFails is the
// consecutive cycle failure count at which /health reports unavailable.
func NewServer(port int, status StatusProvider, maxFails int, logger *slog.Logger) *Server {
	s := &Server{
		status:   status,
		maxFails: maxFails,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	if s.maxFails > 0 && st.ConsecutiveFailures >= s.maxFails {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":               "failing",
			"consecutive_failures": st.ConsecutiveFailures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"consecutive_failures": st.ConsecutiveFailures,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
