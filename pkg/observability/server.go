package observability

import (
	"context"
	"net/http"
	"time"
)

// Server exposes the health and metrics endpoints.
type Server struct {
	httpServer *http.Server
	addr       string
	checker    *HealthChecker
}

// NewServer creates an observability server on addr backed by the
// given health checker.
func NewServer(addr string, checker *HealthChecker) *Server {
	return &Server{
		addr:    addr,
		checker: checker,
	}
}

// Start serves until Shutdown is called. It blocks; run it in its own
// goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.checker.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.checker.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
