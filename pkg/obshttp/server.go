// Package obshttp serves a device's /metrics, /health, /ready and /live
// endpoints so an embedding application (or an operator with curl) can
// observe it without scraping the process's stdout logs.
package obshttp

import (
	"context"
	"net/http"
	"time"

	"github.com/merklekv/mobile/pkg/metrics"
)

// Server is the observability HTTP server bound to a single device.
type Server struct {
	http    *http.Server
	Checker *HealthChecker
}

// NewServer builds a Server listening on addr, serving checker's
// health/readiness/liveness views alongside the process's Prometheus
// metrics.
func NewServer(addr string, checker *HealthChecker) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", checker.healthHandler())
	mux.HandleFunc("/ready", checker.readyHandler())
	mux.HandleFunc("/live", checker.liveHandler())

	return &Server{
		Checker: checker,
		http: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the server in the background. Send the returned error, if
// any, to the caller's error channel; ErrServerClosed is expected on a
// clean Shutdown and is swallowed here.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
