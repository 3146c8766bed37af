// Package core provides the API chassis: a chi router with the cross-cutting
// concerns (panic recovery, request ids, logging, metrics, CORS, rate
// limiting, compression, timeouts) applied before requests reach the route
// handlers in internal/api/handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vegwatch/internal/config"
)

// HTTPMetrics records per-route request metrics. metrics.Metrics satisfies it.
type HTTPMetrics interface {
	Middleware(next http.Handler) http.Handler
}

// Server holds the router and everything MountRoutes needs. Fields are set
// by the entry point between NewServer and MountRoutes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// Metrics is optional; nil disables request metrics.
	Metrics HTTPMetrics
	// MetricsHandler is served on GET /metrics when non-nil.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe
	// RouteRegistrars mount the domain routes on the root router.
	RouteRegistrars []func(r chi.Router)
	// ShutdownHooks run in order during Shutdown, e.g. waiting for background
	// raster jobs.
	ShutdownHooks []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer validates its inputs and prepares an empty router.
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
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the shutdown hooks. Every hook runs; their errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	var errs []error
	for _, hook := range s.ShutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
