// Package external is the provider gateway between the vegetation services and
// the upstream geospatial APIs. All outbound HTTP calls are routed through
// BaseClient, which enforces the shared resilience rules: pacing, circuit
// breaking, bounded retries with backoff, and uniform error classification.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"vegwatch/internal/types"
)

// RetryPolicy configures the retry behavior for the BaseClient.
// The wait before retry n (0-based) is MinWait * Factor^n, capped at MaxWait,
// unless the upstream sent a Retry-After header.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
	Factor     float64
}

// DefaultRetryPolicy returns the defaults used for provider API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    2 * time.Second,
		MaxWait:    60 * time.Second,
		Factor:     2,
	}
}

// Recorder receives upstream call outcomes. internal/metrics implements it.
type Recorder interface {
	UpstreamRequest(provider, outcome string)
	UpstreamRetry(provider, reason string)
}

type nopRecorder struct{}

func (nopRecorder) UpstreamRequest(string, string) {}
func (nopRecorder) UpstreamRetry(string, string)   {}

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients
// (Sentinel Hub, openEO, token source) embed it to inherit the retry rules.
type BaseClient struct {
	client      *http.Client
	provider    string
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	limiter     *rate.Limiter
	retryPolicy RetryPolicy
	userAgent   string
	logger      *slog.Logger
	recorder    Recorder
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
	now         func() time.Time
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithRateLimit paces outbound requests to rps with the given burst.
// A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) BaseClientOption {
	return func(c *BaseClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, burst))
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) BaseClientOption {
	return func(c *BaseClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder attaches an outcome recorder.
func WithRecorder(r Recorder) BaseClientOption {
	return func(c *BaseClient) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithBreaker replaces the default circuit breaker, e.g. to share one
// breaker across clients of the same provider.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithClock overrides the clock used to interpret Retry-After dates.
func WithClock(now func() time.Time) BaseClientOption {
	return func(c *BaseClient) {
		c.now = now
	}
}

// NewBaseClient creates a BaseClient for provider with the given retry policy.
func NewBaseClient(
	httpClient *http.Client,
	provider string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 180 * time.Second}
	}
	if retryPolicy.Factor < 1 {
		retryPolicy.Factor = 2
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	bc := &BaseClient{
		client:      httpClient,
		provider:    provider,
		breaker:     cb,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		logger:      slog.Default(),
		recorder:    nopRecorder{},
		sleepFn:     time.Sleep,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Provider returns the provider name used in logs, metrics and errors.
func (c *BaseClient) Provider() string {
	return c.provider
}

// Do executes the HTTP request with:
//  1. Request ID propagation (X-Request-ID from context)
//  2. User-Agent header injection
//  3. Pacing through the rate limiter
//  4. Circuit breaker wrapping
//  5. Retry on 429, 502, 503, 504 and transport errors (respecting Retry-After)
//  6. Error classification into types.AppError
//
// Any other status, including 400 and 401, is returned as-is for the caller
// to classify; 400 is never retried. The caller closes the response body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if requestID := types.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var (
		lastStatus int
		lastBody   []byte
		lastErr    error
	)

	maxAttempts := 1 + max(0, c.retryPolicy.MaxRetries)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.mapError(0, nil, err)
			}
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if retryableStatus(r.StatusCode) {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			c.recorder.UpstreamRequest(c.provider, outcomeFor(resp.StatusCode))
			return resp, nil
		}

		lastErr = err
		lastStatus = 0
		lastBody = nil
		var retryAfter string
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
			lastBody, _ = io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		// The caller's deadline is gone; further attempts cannot succeed.
		if ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			wait := c.computeBackoff(attempt, retryAfter)
			reason := retryReason(lastStatus)
			c.recorder.UpstreamRetry(c.provider, reason)
			c.logger.WarnContext(ctx, "retrying upstream request",
				"provider", c.provider,
				"attempt", attempt+1,
				"status", lastStatus,
				"reason", reason,
				"wait", wait,
			)
			c.sleepFn(wait)
		}
	}

	appErr := c.mapError(lastStatus, lastBody, lastErr)
	c.recorder.UpstreamRequest(c.provider, string(appErr.Kind()))
	return nil, appErr
}

// computeBackoff determines the wait before retry attempt+1. A Retry-After
// header wins over the exponential schedule; both are capped at MaxWait.
func (c *BaseClient) computeBackoff(attempt int, retryAfter string) time.Duration {
	if wait, ok := ParseRetryAfter(retryAfter, c.now()); ok {
		if wait > c.retryPolicy.MaxWait {
			return c.retryPolicy.MaxWait
		}
		return wait
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(c.retryPolicy.Factor, float64(attempt))
	if maxWait := float64(c.retryPolicy.MaxWait); base > maxWait {
		base = maxWait
	}
	return time.Duration(base)
}

// mapError translates a final transport or status failure into an AppError.
func (c *BaseClient) mapError(status int, body []byte, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamUnavailable,
			"circuit breaker is open; upstream service unavailable",
			err,
			map[string]any{"provider": c.provider},
		)
	}
	if status != 0 {
		return ClassifyResponse(c.provider, status, body)
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamTimeout,
			"upstream request timed out",
			err,
			map[string]any{"provider": c.provider},
		)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "upstream request cancelled", err)
	}
	// Connection refused, DNS failure and similar.
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamUnavailable,
		"upstream request failed",
		err,
		map[string]any{"provider": c.provider},
	)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryReason(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "unavailable"
	default:
		return "transport"
	}
}

func outcomeFor(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

type timeoutError interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}

// drain discards the rest of a response body and closes it.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
