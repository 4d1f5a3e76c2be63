// Package api exposes the engine's thin HTTP surface: the analysis trigger,
// the build-completion webhook, and the read-only analysis and pattern
// queries.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/platformbuilds/buildwatch/internal/config"
)

// Server wraps the HTTP trigger listener and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
	listener   net.Listener
}

// NewServer constructs the trigger server bound to the configured address.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, service MonitorService) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.TriggerAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.TriggerAddress, err)
	}

	handlers := newHandlers(logger, service)
	return &Server{
		cfg:      cfg,
		listener: lis,
		httpServer: &http.Server{
			Handler:           handlers.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Start serves incoming requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.httpServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown attempts a graceful shutdown, falling back to Close after timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
