// Package server runs the admin HTTP listener with optional TLS and HTTP/2
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/handler"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// AdminServer serves the admin API
type AdminServer struct {
	config     config.AdminConfig
	tls        *handler.TLSHandler
	logger     *logger.Logger
	httpServer *http.Server
}

// NewAdminServer builds the listener for h. With TLS enabled the server
// also negotiates HTTP/2.
func NewAdminServer(cfg config.AdminConfig, h http.Handler, log *logger.Logger) (*AdminServer, error) {
	s := &AdminServer{
		config: cfg,
		tls:    handler.NewTLSHandler(cfg.TLS, log),
		logger: log.WithField("component", "admin_server"),
	}

	tlsConfig, err := s.tls.ConfigureTLS()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	if tlsConfig != nil {
		if err := http2.ConfigureServer(s.httpServer, &http2.Server{
			MaxConcurrentStreams: 250,
			MaxReadFrameSize:     1 << 20,
			IdleTimeout:          300 * time.Second,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	}
	return s, nil
}

// Addr returns the configured listen address
func (s *AdminServer) Addr() string {
	return s.httpServer.Addr
}

// Start listens on the configured port and blocks until the server stops.
// A graceful shutdown returns nil.
func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln
func (s *AdminServer) Serve(ln net.Listener) error {
	s.logger.WithFields(map[string]interface{}{
		"addr":        ln.Addr().String(),
		"path":        s.config.Path,
		"tls_enabled": s.tls.Enabled(),
	}).Info("Starting admin server")

	var err error
	if s.tls.Enabled() {
		certFile, keyFile := s.tls.CertFiles()
		err = s.httpServer.ServeTLS(ln, certFile, keyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown admin server")
		return err
	}
	s.logger.Info("Admin server stopped")
	return nil
}
