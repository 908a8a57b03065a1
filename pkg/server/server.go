// Package server owns the process lifecycle: it runs the protocol
// adapters alongside the admin API and metrics listeners and
// coordinates graceful shutdown across all of them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/adapter"
	"github.com/nabunetwork/nabud/pkg/api"
)

// Server coordinates the adapters and auxiliary HTTP listeners.
type Server struct {
	shutdownTimeout time.Duration

	adapters    []adapter.Adapter
	apiServer   *api.Server
	metricsPort int // 0 disables the metrics listener
}

// New creates a server with the given graceful-shutdown budget.
func New(shutdownTimeout time.Duration) *Server {
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{shutdownTimeout: shutdownTimeout}
}

// AddAdapter registers a protocol adapter; call before Serve.
func (s *Server) AddAdapter(a adapter.Adapter) {
	s.adapters = append(s.adapters, a)
}

// SetAPIServer installs the admin API server; call before Serve.
func (s *Server) SetAPIServer(apiServer *api.Server) {
	s.apiServer = apiServer
}

// SetMetricsPort enables the Prometheus metrics listener; call before
// Serve.
func (s *Server) SetMetricsPort(port int) {
	s.metricsPort = port
}

// Serve runs everything until the context is cancelled or any
// component fails. The first failure cancels the rest; shutdown waits
// up to the configured timeout for components to wind down.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.adapters) == 0 {
		return fmt.Errorf("no adapters configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.adapters)+2)

	for _, a := range s.adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			logger.Info("Adapter starting", "protocol", a.Protocol())
			if err := a.Serve(runCtx); err != nil && runCtx.Err() == nil {
				errChan <- fmt.Errorf("%s adapter: %w", a.Protocol(), err)
				cancel()
			}
		}(a)
	}

	if s.apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.apiServer.Start(runCtx); err != nil && runCtx.Err() == nil {
				errChan <- err
				cancel()
			}
		}()
	}

	if s.metricsPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveMetrics(runCtx); err != nil && runCtx.Err() == nil {
				errChan <- err
				cancel()
			}
		}()
	}

	// Wait for cancellation (external or failure-induced).
	<-runCtx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		logger.Warn("Shutdown timeout exceeded", "timeout", s.shutdownTimeout)
	}

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// serveMetrics runs the Prometheus exposition listener.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.metricsPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", logger.KeyPort, s.metricsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
