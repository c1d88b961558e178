// Package core provides the API chassis for seatsync.
// It creates a chi router and enforces cross-cutting concerns (request IDs,
// logging, metrics, authentication, idempotency and error rendering) before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/config"
)

// Server encapsulates all dependencies for the seatsync API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config           *config.Config
	Logger           *slog.Logger
	Validator        *Validator
	Metrics          MetricsCollector
	Authenticator    Authenticator
	IdempotencyStore IdempotencyStore
	HealthProbes     []HealthProbe

	// Closers are released in order on Shutdown (e.g. the pgx pool).
	Closers []io.Closer

	router *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty router.
// The caller mounts routes with MountRoutes after injecting optional
// collaborators.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources. The first Close error is returned after
// every closer has been attempted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var firstErr error
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("closing resources: %w", err)
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return firstErr
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
