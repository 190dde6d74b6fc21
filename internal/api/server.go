// internal/api/server.go
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/config"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
)

// Server serves the API until its context ends
type Server struct {
	cfg    *config.Config
	mgr    *session.Manager
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server for h on cfg.ListenAddr
func NewServer(cfg *config.Config, mgr *session.Manager, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      h,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: maxRunTimeout + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Run listens on the configured address, with TLS when a certificate is
// configured, and shuts down when ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	useTLS := s.cfg.TLSCert != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	if s.cfg.APIKey == "" {
		s.logger.Warn("api_key is empty, requests are not authenticated")
	}
	s.logger.Info("api server starting", "addr", ln.Addr().String(), "tls", useTLS)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}

	return s.mgr.Disconnect()
}
