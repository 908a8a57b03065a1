package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
)

// Config holds the admin API server settings.
type Config struct {
	Port int
}

// Server serves the admin HTTP API with graceful shutdown.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates the API server around an already-built router.
func NewServer(config Config, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		config: config,
	}
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", logger.KeyPort, s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the server down, idempotently.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(shutdownCtx)
	})
	return err
}
