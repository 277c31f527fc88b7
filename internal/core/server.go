// Package core provides the API chassis for the paygate platform.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda Proxy Integration (via chiadapter). It enforces cross-cutting
// concerns -- logging, correlation, panic recovery, and error handling --
// before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paygate/internal/config"
)

// Server encapsulates the router and cross-cutting dependencies for the
// paygate API, allowing for easy injection during testing and distinct
// configuration for different environments.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// WebhookRouteRegistrars mount provider webhook endpoints at the router
	// root (outside /v1). Populated by the application entry point; this
	// indirection avoids import cycles between core and handler packages.
	WebhookRouteRegistrars []func(chi.Router)

	// V1RouteRegistrars mount client-facing endpoints under /v1.
	V1RouteRegistrars []func(chi.Router)

	// DBPinger is consulted by the health endpoint; nil skips the check.
	DBPinger Pinger

	// RateLimitStore backs the per-client limit on the /v1 surface.
	// Nil disables rate limiting.
	RateLimitStore RateLimitStore

	// onShutdown holds cleanup functions run during graceful shutdown,
	// in registration order.
	onShutdown []func(context.Context) error

	router *chi.Mux
}

// Pinger reports whether a backing resource is reachable.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer initializes the router and prepares the server for route
// mounting. It performs a "fail-fast" check on critical dependencies.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.ListenAndServe (local) and chiadapter.New (Lambda).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function to run during Shutdown.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Shutdown performs a graceful termination of server resources, running the
// registered cleanup functions in order. The first error is returned after
// all functions have been attempted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, fn := range s.onShutdown {
		if err := fn(ctx); err != nil {
			s.Logger.Error("shutdown cleanup failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("shutdown cleanup: %w", firstErr)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
