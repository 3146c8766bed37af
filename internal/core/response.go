package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"vegwatch/internal/types"
)

// maxRequestBodySize is the maximum allowed size of a request body (1 MB).
const maxRequestBodySize = 1 << 20

const (
	genericInternalMessage = "an unexpected error occurred"
	codeMethodNotAllowed   = "method_not_allowed"
)

// APIErrorResponse is the standard envelope for all error API responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshalling failure becomes a
// generic 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		types.LoggerFromContext(r.Context(), nil).Error("failed to marshal response", "error", err)
		writeErrorBody(w, r, http.StatusInternalServerError,
			string(types.ErrCodeInternalUnexpected), "failed to marshal response", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error renders err as the standard error body.
//
//   - *types.AppError: its code, kind status, message and details.
//   - context deadline: upstream_timeout (503).
//   - anything else: internal (500).
//
// Internal errors are logged with their full chain and rendered with a
// generic message; their text never reaches the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, context.DeadlineExceeded):
		appErr = types.NewAppError(types.ErrCodeUpstreamTimeout, "request timed out", err)
	default:
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, genericInternalMessage, err)
	}

	message := appErr.Message
	details := appErr.Details
	if appErr.Kind() == types.KindInternal {
		types.LoggerFromContext(r.Context(), nil).Error("internal error",
			"method", r.Method,
			"path", r.URL.Path,
			"code", string(appErr.Code),
			"error", err,
		)
		message = genericInternalMessage
		details = nil
	}
	writeErrorBody(w, r, appErr.HTTPStatus(), string(appErr.Code), message, details)
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		// Details carried something unmarshalable; drop them.
		resp.Error.Details = nil
		body, _ = json.Marshal(resp)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// DecodeJSON reads the request body into dst, enforcing a 1 MB limit, a
// single JSON value and no unknown fields. Failures are
// validation_invalid_json AppErrors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"request body must not exceed 1MB", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"malformed JSON in request body", err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON,
			"invalid value for field", err,
			map[string]any{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			})
	}

	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"request body must not be empty", err)
	}

	return types.NewAppError(types.ErrCodeValidationInvalidJSON,
		"invalid JSON in request body", err)
}
