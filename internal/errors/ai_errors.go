package errors

import (
	"errors"
	"fmt"
)

// AIClass partitions AI-call failures for the retry policy.
type AIClass int

const (
	// ClassTransient failures are retried: HTTP 429, 5xx, transport
	// faults, and unparseable bodies.
	ClassTransient AIClass = iota
	// ClassSensitive is the HTTP 400 refusal. Never retried; the source
	// item is flagged sensitive.
	ClassSensitive
	// ClassAuth covers HTTP 401/403. The client becomes unavailable
	// until a key rotation restores it.
	ClassAuth
	// ClassTerminal covers everything else that should not be retried.
	ClassTerminal
)

// AIError is the classified failure of an upstream model call.
type AIError struct {
	StatusCode int
	APICode    string
	Message    string
	Class      AIClass
	Err        error
}

// Error implements the error interface.
func (e *AIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ai call failed (%s): %s", e.APICode, e.Message)
	}
	return fmt.Sprintf("ai call failed: %s", e.Message)
}

// Unwrap exposes the cause.
func (e *AIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry policy may try again.
func (e *AIError) Retryable() bool {
	return e.Class == ClassTransient
}

// Sensitive reports the policy-refusal case.
func (e *AIError) Sensitive() bool {
	return e.Class == ClassSensitive
}

// AuthFailure reports the credential case.
func (e *AIError) AuthFailure() bool {
	return e.Class == ClassAuth
}

// ClassifyStatus maps an HTTP status onto the retry taxonomy.
func ClassifyStatus(status int) AIClass {
	switch {
	case status == 400:
		return ClassSensitive
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429 || status >= 500:
		return ClassTransient
	}
	return ClassTerminal
}

// NewAIHTTPError builds a classified error from an upstream HTTP status.
func NewAIHTTPError(status int, message string, cause error) *AIError {
	return &AIError{
		StatusCode: status,
		APICode:    fmt.Sprintf("HTTP_%d", status),
		Message:    message,
		Class:      ClassifyStatus(status),
		Err:        cause,
	}
}

// NewAITransportError wraps a connection-level failure. Always transient.
func NewAITransportError(cause error) *AIError {
	message := "connection failed"
	if cause != nil {
		message = cause.Error()
	}
	return &AIError{APICode: "CONNECTION", Message: message, Class: ClassTransient, Err: cause}
}

// NewAIParseError marks a response body that survived neither strict
// parsing nor repair. Transient so the policy may try a fresh call.
func NewAIParseError(message string) *AIError {
	return &AIError{APICode: "PARSE", Message: message, Class: ClassTransient}
}

// NewAIUnavailableError marks a call attempted against a client with no
// usable credentials.
func NewAIUnavailableError(message string) *AIError {
	return &AIError{APICode: "UNAVAILABLE", Message: message, Class: ClassTerminal}
}

// AsAIError extracts an AIError from a wrapped chain.
func AsAIError(err error) (*AIError, bool) {
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr, true
	}
	return nil, false
}

// APIErrorCode returns the wire code of a failure, or "" for non-AI
// errors. Downstream records attach it so operators can distinguish a
// refusal from an outage.
func APIErrorCode(err error) string {
	if aiErr, ok := AsAIError(err); ok {
		return aiErr.APICode
	}
	return ""
}
