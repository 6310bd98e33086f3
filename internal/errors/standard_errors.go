// Package errors provides the error model shared by the web service and
// the processing pipeline: semantic error codes with HTTP mappings, and
// the AI-call taxonomy the retry logic is built on.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a semantic error class carried to API consumers.
type ErrorCode string

const (
	// Authentication and authorization.
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrorCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation.
	ErrorCodeValidationError ErrorCode = "VALIDATION_ERROR"
	ErrorCodeRequiredField   ErrorCode = "REQUIRED_FIELD"
	ErrorCodeInvalidValue    ErrorCode = "INVALID_VALUE"

	// Resources.
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeDuplicate        ErrorCode = "DUPLICATE"
	ErrorCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"

	// Throttling.
	ErrorCodeRateLimited ErrorCode = "RATE_LIMITED"

	// System.
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrorCodeVectorError        ErrorCode = "VECTOR_ERROR"
	ErrorCodeAnalysisError      ErrorCode = "ANALYSIS_ERROR"
)

// StandardError is the unified error envelope written to API consumers.
type StandardError struct {
	ErrorInfo ErrorDetails `json:"error"`
}

// Error implements the error interface.
func (e *StandardError) Error() string {
	return e.ErrorInfo.Message
}

// ErrorDetails carries the code and optional structured details.
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

// ValidationDetail names the offending field.
type ValidationDetail struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

// RateLimitDetail carries throttle headers for the HTTP writer.
type RateLimitDetail struct {
	Limit      int           `json:"limit"`
	Window     string        `json:"window"`
	RetryAfter time.Duration `json:"retry_after"`
	Remaining  int           `json:"remaining"`
}

// UnavailableDetail tells the caller when to probe again.
type UnavailableDetail struct {
	RetryAfter time.Duration `json:"retry_after"`
}

// New creates a standardized error.
func New(code ErrorCode, message string, details any) *StandardError {
	return &StandardError{ErrorInfo: ErrorDetails{Code: code, Message: message, Details: details}}
}

// NewValidationError creates a field-level validation error.
func NewValidationError(field, reason string, value any) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeValidationError,
			Message: fmt.Sprintf("Validation failed for field '%s': %s", field, reason),
			Details: ValidationDetail{Field: field, Reason: reason, Value: value},
		},
	}
}

// NewRequiredFieldError creates a missing-field error.
func NewRequiredFieldError(field string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeRequiredField,
			Message: fmt.Sprintf("Required field '%s' is missing", field),
			Details: ValidationDetail{Field: field, Reason: "missing_required_field"},
		},
	}
}

// NewDuplicateError marks a submission already known to the hub.
func NewDuplicateError(message string) *StandardError {
	return New(ErrorCodeDuplicate, message, nil)
}

// NewNotFoundError marks a missing record.
func NewNotFoundError(what, id string) *StandardError {
	return New(ErrorCodeNotFound, fmt.Sprintf("%s '%s' not found", what, id), nil)
}

// NewUnauthorizedError creates an authentication failure.
func NewUnauthorizedError(reason string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeUnauthorized,
			Message: "Authentication required",
			Details: map[string]any{"reason": reason},
		},
	}
}

// NewRateLimitError creates a throttle error with header details.
func NewRateLimitError(limit int, window string, retryAfter time.Duration, remaining int) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeRateLimited,
			Message: fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window),
			Details: RateLimitDetail{Limit: limit, Window: window, RetryAfter: retryAfter, Remaining: remaining},
		},
	}
}

// NewUnavailableError marks a dependency still warming up.
func NewUnavailableError(message string, retryAfter time.Duration) *StandardError {
	return New(ErrorCodeServiceUnavailable, message, UnavailableDetail{RetryAfter: retryAfter})
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *StandardError {
	details := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	return New(ErrorCodeInternalError, message, details)
}

// WithTraceID stamps the error for correlation.
func (e *StandardError) WithTraceID(traceID string) *StandardError {
	e.ErrorInfo.TraceID = traceID
	return e
}

// ToHTTPStatus maps the code to an HTTP status.
func (e *StandardError) ToHTTPStatus() int {
	switch e.ErrorInfo.Code {
	case ErrorCodeUnauthorized, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeValidationError, ErrorCodeRequiredField, ErrorCodeInvalidValue:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeDuplicate:
		return http.StatusConflict
	case ErrorCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// ToJSON serializes the envelope.
func (e *StandardError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// WriteHTTPError writes the error as a JSON response, with trace and
// throttle headers when present.
func (e *StandardError) WriteHTTPError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.ErrorInfo.TraceID != "" {
		w.Header().Set("X-Trace-ID", e.ErrorInfo.TraceID)
	}
	switch detail := e.ErrorInfo.Details.(type) {
	case RateLimitDetail:
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", detail.RetryAfter.Seconds()))
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", detail.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", detail.Remaining))
	case UnavailableDetail:
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", detail.RetryAfter.Seconds()))
	}
	w.WriteHeader(e.ToHTTPStatus())
	data, _ := e.ToJSON()
	_, _ = w.Write(data)
}

// IsValidationError reports whether the error is input-shaped.
func IsValidationError(err *StandardError) bool {
	switch err.ErrorInfo.Code {
	case ErrorCodeValidationError, ErrorCodeRequiredField, ErrorCodeInvalidValue:
		return true
	}
	return false
}

// IsAuthenticationError reports whether the error is access-shaped.
func IsAuthenticationError(err *StandardError) bool {
	switch err.ErrorInfo.Code {
	case ErrorCodeUnauthorized, ErrorCodeForbidden, ErrorCodeInvalidToken:
		return true
	}
	return false
}
