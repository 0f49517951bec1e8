// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/logging"
)

// Server runs the HTTP listener with graceful shutdown, shaped to sit
// in a supervisor tree.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
}

// NewServer creates a Server around the given handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

// Serve listens until ctx is canceled, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server shutdown incomplete, closing")
		_ = srv.Close()
	}
	// ListenAndServe returns ErrServerClosed after Shutdown.
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.Info().Msg("HTTP server stopped")
	return ctx.Err()
}
