// Package server exposes process health over HTTP and gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/observability"
)

// HTTPServer serves /health, /ready and optionally /metrics
type HTTPServer struct {
	server *http.Server
	logger zerolog.Logger
}

// NewHTTPServer builds the local status server. Readiness checks are keyed
// by dependency name.
func NewHTTPServer(port string, checks map[string]observability.HealthCheckFunc, metricsEnabled bool, logger zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	return &HTTPServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the routing handler
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens in the background
func (s *HTTPServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Status server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
