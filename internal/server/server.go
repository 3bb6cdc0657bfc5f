// Package server wraps the HTTP listener with timeouts, optional h2c
// support, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mir00r/api-gateway/pkg/logger"
)

// Config holds listener configuration.
type Config struct {
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	EnableH2C       bool          `json:"enable_h2c" yaml:"enable_h2c"`
}

// Server is the gateway's HTTP listener.
type Server struct {
	config Config
	srv    *http.Server
	logger *logger.Logger
}

// New creates a server for the given handler. With EnableH2C set the
// server also accepts HTTP/2 over cleartext connections.
func New(config Config, handler http.Handler, log *logger.Logger) *Server {
	if config.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	return &Server{
		config: config,
		logger: log.WithField("component", "server"),
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Start begins serving. Blocks until the listener stops; a clean shutdown
// returns nil.
func (s *Server) Start() error {
	s.logger.Infof("Server listening on %s", s.srv.Addr)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}
