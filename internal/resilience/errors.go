package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure for recovery-policy decisions.
type Kind string

const (
	// KindTimeout covers deadline expiry and network timeouts.
	KindTimeout Kind = "timeout"
	// KindConnection covers resets, refusals and DNS failures.
	KindConnection Kind = "connection"
	// KindValidation covers structured application rejections (4xx with an
	// error body, malformed payloads). Never retryable.
	KindValidation Kind = "validation"
	// KindUnknown is everything else.
	KindUnknown Kind = "unknown"
)

// TransientError marks an error as safe to retry (429, 5xx, network blips).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ValidationError marks a non-retryable application failure, typically an
// HTTP 4xx response carrying a structured error body.
type ValidationError struct {
	Err        error
	StatusCode int
	Body       string
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a permanent validation failure.
func NewValidationError(err error, statusCode int, body string) *ValidationError {
	return &ValidationError{Err: err, StatusCode: statusCode, Body: body}
}

// Classify maps an error onto a recovery Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "tls handshake timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection reset by peer"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "temporary failure in name resolution"):
		return KindConnection
	}

	var te *TransientError
	if errors.As(err, &te) {
		return KindConnection
	}

	return KindUnknown
}

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	switch Classify(err) {
	case KindTimeout, KindConnection:
		return true
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status code indicates a
// server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
