package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"

	"vegwatch/internal/types"
)

const defaultRequestTimeout = 240 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
}

// MountRoutes registers the global middleware chain, the operational routes
// and every RouteRegistrar. Call it once, after all fields are set.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", nil)
	})

	s.router.Get("/healthz", s.HandleLiveness)
	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer      - outermost, catches every panic.
//  2. RequestID      - correlation id for logs and error bodies.
//  3. RequestLogger  - status-levelled access log.
//  4. Metrics        - per-route counters, sees rate-limited responses too.
//  5. CORS           - answers preflights before rate limiting.
//  6. RateLimit      - per-IP sliding window.
//  7. Gzip           - response compression.
//  8. Timeout        - request context deadline.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, s.redactedHeaders(), s.slowRequestThreshold()))
	if s.Metrics != nil {
		s.router.Use(s.Metrics.Middleware)
	}
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	if s.Config.Server.RateLimitEnabled {
		s.router.Use(NewRateLimitMiddleware(s.Config.Server.RateLimitPerMinute, time.Minute))
	}
	if s.Config.Server.GzipEnabled {
		s.router.Use(GzipMiddleware)
	}
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) slowRequestThreshold() time.Duration {
	return s.Config.Server.SlowRequestThreshold()
}

func (s *Server) redactedHeaders() []string {
	return defaultRedactedHeaders
}

func (s *Server) corsAllowedOrigins() []string {
	if len(s.Config.Server.CorsOrigins) > 0 {
		return s.Config.Server.CorsOrigins
	}
	return []string{"*"}
}

// NewCORSMiddleware configures go-chi/cors for the given origins. "*" allows
// any origin without credentials.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: !allowAll,
		MaxAge:           300,
	})
}

// NewRateLimitMiddleware limits each client IP to limit requests per window.
// Rejections render the standard error body with code rate_limit_exceeded.
func NewRateLimitMiddleware(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeRateLimit,
				"too many requests",
				nil,
				map[string]any{"limit": limit, "window_seconds": int(window.Seconds())},
			))
		}),
	)
}

// GzipMiddleware compresses responses when the client accepts gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// ContextTimeoutMiddleware sets a deadline on the request context. Handlers
// observe it through the upstream calls they make.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
