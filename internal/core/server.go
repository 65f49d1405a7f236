// Package core provides the API chassis for the platform. It creates a chi
// router and enforces the cross-cutting concerns -- panic recovery, request
// correlation, structured logging, and error handling -- before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"drawclub/internal/config"
)

// RouteRegistrar mounts a group of domain handler routes onto the router.
// The indirection avoids import cycles between core and handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP chassis dependencies, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// Pinger is consulted by the health endpoint; typically the pgx pool.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	router *chi.Mux
}

// NewServer initializes the chassis and registers the global middleware chain.
// The caller mounts domain routes via MountRoutes after construction.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	s.registerGlobalMiddleware()
	return s, nil
}

// registerGlobalMiddleware applies middleware in strict order:
//
//  1. Recoverer     - Catches panics; outermost to catch all failures.
//  2. RequestID     - Generates/propagates correlation ID for tracing.
//  3. RequestLogger - Structured logging with redacted headers.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
}

// MountRoutes registers the health endpoint and the given domain route groups
// under /v1.
func (s *Server) MountRoutes(registrars ...RouteRegistrar) {
	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range registrars {
			registrar(r)
		}
	})
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully within the
// configured shutdown timeout. In-flight webhook deliveries get to finish so
// ledger writes are not abandoned mid-request.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.Config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.Config.Server.ReadTimeout,
		WriteTimeout: s.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.Logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.Logger.Info("context canceled, shutting down")
	}

	shutdownTimeout := s.Config.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
