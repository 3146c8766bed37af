package external

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vegwatch/internal/types"
)

// noDataPhrases mark a 400 (or an openEO job error) as "no satellite data"
// rather than a malformed request. Matching is case-insensitive.
var noDataPhrases = []string{
	"no data",
	"no scenes",
	"no products",
	"not found",
	"unavailable",
	"no satellite",
	"empty collection",
	"not enough scenes",
}

// openEONoDataPhrases is narrower: openEO uses "not found" for missing
// processes and collections, which are configuration errors.
var openEONoDataPhrases = []string{
	"no data",
	"no scenes",
	"empty collection",
	"not enough scenes",
}

// Classify maps an upstream status and response text onto an ErrorKind.
// It is the only place where upstream wording is interpreted.
func Classify(status int, body string) types.ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		if MentionsNoData(body) {
			return types.KindNoData
		}
		return types.KindValidation
	case status == http.StatusUnauthorized:
		return types.KindAuthentication
	case status == http.StatusTooManyRequests:
		return types.KindRateLimited
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return types.KindUpstreamUnavailable
	default:
		return types.KindInternal
	}
}

// MentionsNoData reports whether text carries one of the no-data phrases.
func MentionsNoData(text string) bool {
	return mentionsAny(text, noDataPhrases)
}

func mentionsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ClassifyResponse builds the AppError for a failed upstream response.
func ClassifyResponse(provider string, status int, body []byte) *types.AppError {
	text := strings.TrimSpace(string(body))
	details := map[string]any{"provider": provider, "upstream_status": status}

	switch Classify(status, text) {
	case types.KindNoData:
		return types.NewAppErrorWithDetails(types.ErrCodeNoData,
			"no satellite data available for the requested area and period", nil, details)
	case types.KindValidation:
		// Upstream validation messages are surfaced to the caller.
		return types.NewAppErrorWithDetails(types.ErrCodeValidationUpstreamRequest,
			fmt.Sprintf("%s rejected the request: %s", provider, truncate(text, 500)), nil, details)
	case types.KindAuthentication:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamAuth,
			fmt.Sprintf("%s authentication failed", provider), nil, details)
	case types.KindRateLimited:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s rate limit exceeded", provider), nil, details)
	case types.KindUpstreamUnavailable:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s returned %d after retries", provider, status), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamInvalidResponse,
			fmt.Sprintf("%s returned unexpected status %d", provider, status),
			fmt.Errorf("body: %s", truncate(text, 500)), details)
	}
}

// ParseRetryAfter interprets a Retry-After header as delta-seconds or an
// HTTP-date relative to now. A date in the past yields zero.
func ParseRetryAfter(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		return max(0, t.Sub(now)), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
