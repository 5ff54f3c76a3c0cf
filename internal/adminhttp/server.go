// Package adminhttp serves the daemon's passive observability surface:
// a liveness probe and the Prometheus metrics endpoint. It runs
// alongside the control loop and never gates or influences it, staying
// reachable even when the daemon is running in passive mode.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wraps an http.Server serving /healthz and /metrics.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	startTime  time.Time
	ready      atomic.Bool
}

// New builds an admin server listening on addr. Call MarkReady when the
// control loop is being started; before that, /healthz still reports 200
// (process liveness, not loop readiness).
func New(addr string, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// MarkReady flips the readiness flag surfaced in /healthz's body. The
// endpoint always returns 200 regardless, so liveness and readiness stay
// distinguishable without failing the container health check.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"ready":        s.ready.Load(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ListenAndServe blocks serving requests until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin http server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
