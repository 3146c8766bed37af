package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"vegwatch/internal/types"
)

// maxRequestIDLength bounds client-supplied request ids before they reach logs.
const maxRequestIDLength = 128

// responseCapture wraps an http.ResponseWriter to capture the status code
// written by downstream handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush on the wrapped writer.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer catches panics in the handler chain, logs the stack trace and
// writes a generic 500 error body. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.Logger.Error("panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", types.GetRequestID(r.Context())),
				slog.String("panic", fmt.Sprintf("%v", rvr)),
				slog.String("stack", string(debug.Stack())),
			)
			writeErrorBody(w, r, http.StatusInternalServerError,
				string(types.ErrCodeInternalUnexpected), genericInternalMessage, nil)
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware propagates the X-Request-Id header or generates a UUID.
// The id is stored in the context together with a logger carrying it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs method, path, status, duration and request id of every
// request, with headers in redactedHeaders masked. 5xx logs at ERROR, 4xx and
// requests slower than slow log at WARN, the rest at INFO. A slow value of
// zero disables the latency rule.
//
// Handlers downstream find a logger enriched with the request id through
// types.LoggerFromContext.
func RequestLogger(logger *slog.Logger, redactedHeaders []string, slow time.Duration) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := types.GetRequestID(r.Context())

			reqLogger := logger
			if reqID != "" {
				reqLogger = logger.With(slog.String("request_id", reqID))
			}
			r = r.WithContext(types.WithLogger(r.Context(), reqLogger))

			rc := &responseCapture{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rc, r)

			duration := time.Since(start)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", duration),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", r.URL.RawQuery))
			}

			headers := make([]any, 0, len(r.Header))
			for name, values := range r.Header {
				if _, redact := redactSet[strings.ToLower(name)]; redact {
					headers = append(headers, slog.String(name, "[REDACTED]"))
				} else {
					headers = append(headers, slog.String(name, strings.Join(values, ", ")))
				}
			}
			if len(headers) > 0 {
				attrs = append(attrs, slog.Group("headers", headers...))
			}

			isSlow := slow > 0 && duration > slow
			if isSlow {
				attrs = append(attrs, slog.Bool("slow", true))
			}

			switch {
			case rc.statusCode >= 500:
				reqLogger.Error("request completed", attrs...)
			case rc.statusCode >= 400, isSlow:
				reqLogger.Warn("request completed", attrs...)
			default:
				reqLogger.Info("request completed", attrs...)
			}
		})
	}
}
