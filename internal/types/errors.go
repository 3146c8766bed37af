package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidBBox     ErrorCode = "validation_invalid_bbox"
	ErrCodeValidationInvalidPolygon  ErrorCode = "validation_invalid_polygon"
	ErrCodeValidationInvalidDate     ErrorCode = "validation_invalid_date"
	ErrCodeValidationDateRange       ErrorCode = "validation_date_range_invalid"
	ErrCodeValidationInvalidBins     ErrorCode = "validation_invalid_bins"
	ErrCodeValidationImageSize       ErrorCode = "validation_image_too_large"
	ErrCodeValidationIndicator       ErrorCode = "validation_invalid_indicator"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationOutOfRange      ErrorCode = "validation_value_out_of_range"
	ErrCodeValidationUpstreamRequest ErrorCode = "validation_upstream_rejected"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"

	// No data (404)
	ErrCodeNoData ErrorCode = "no_data_available"

	// Not Found (404)
	ErrCodeNotFoundJob   ErrorCode = "not_found_job"
	ErrCodeNotFoundFile  ErrorCode = "not_found_file"
	ErrCodeNotFoundRoute ErrorCode = "not_found_route"

	// Conflict (409)
	ErrCodeConflictJobExists ErrorCode = "conflict_job_exists"
	ErrCodeConflictJobState  ErrorCode = "conflict_job_terminal"

	// Upstream
	ErrCodeUpstreamAuth            ErrorCode = "upstream_auth_failed"
	ErrCodeUpstreamRateLimited     ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable     ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamTimeout         ErrorCode = "upstream_timeout"
	ErrCodeUpstreamInvalidResponse ErrorCode = "upstream_invalid_response"

	// Cache
	ErrCodeCacheLockTimeout ErrorCode = "cache_lock_timeout"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCacheIO    ErrorCode = "internal_cache_io"

	// Rate limiting of our own API
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"
)

// ErrorKind is the uniform failure category shared by every provider gateway.
// Route adapters map each kind to exactly one HTTP status.
type ErrorKind string

const (
	KindNoData              ErrorKind = "no_data"
	KindValidation          ErrorKind = "validation"
	KindAuthentication      ErrorKind = "authentication"
	KindRateLimited         ErrorKind = "rate_limited"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindInternal            ErrorKind = "internal"
	KindLockTimeout         ErrorKind = "lock_timeout"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
)

// Kind resolves the ErrorKind for a code from its prefix.
func (c ErrorCode) Kind() ErrorKind {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return KindValidation
	case strings.HasPrefix(s, "no_data"):
		return KindNoData
	case strings.HasPrefix(s, "not_found_"):
		return KindNotFound
	case strings.HasPrefix(s, "conflict_"):
		return KindConflict
	case c == ErrCodeUpstreamAuth:
		return KindAuthentication
	case c == ErrCodeUpstreamRateLimited, c == ErrCodeRateLimit:
		return KindRateLimited
	case c == ErrCodeUpstreamUnavailable, c == ErrCodeUpstreamTimeout:
		return KindUpstreamUnavailable
	case c == ErrCodeCacheLockTimeout:
		return KindLockTimeout
	default:
		return KindInternal
	}
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	return c.Kind().HTTPStatus()
}

// HTTPStatus is the single status every route renders for a kind, regardless
// of which upstream produced the failure.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest // 400
	case KindNoData, KindNotFound:
		return http.StatusNotFound // 404
	case KindConflict:
		return http.StatusConflict // 409
	case KindRateLimited:
		return http.StatusTooManyRequests // 429
	case KindAuthentication:
		return http.StatusBadGateway // 502
	case KindUpstreamUnavailable, KindLockTimeout:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

// Transient reports whether the caller may retry the whole operation later.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimited, KindUpstreamUnavailable, KindLockTimeout:
		return true
	}
	return false
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Kind returns the taxonomy bucket of this error.
func (e *AppError) Kind() ErrorKind {
	return e.Code.Kind()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// KindOf returns the ErrorKind of the first AppError in err's chain.
// Errors outside the taxonomy are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindInternal
}

// IsKind reports whether err resolves to kind k.
func IsKind(err error, k ErrorKind) bool {
	return err != nil && KindOf(err) == k
}
