package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass categorizes backend errors for logging and client messages.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassCanceled indicates the turn was canceled by the caller.
	ErrorClassCanceled ErrorClass = "CANCELED"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// BackendError is an opaque failure surfaced by an agent backend.
type BackendError struct {
	Class ErrorClass
	Err   error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err with its classification.
func NewBackendError(err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{Class: ClassifyError(err), Err: err}
}

// Backendf builds a BackendError of a known class.
func Backendf(class ErrorClass, format string, args ...any) *BackendError {
	return &BackendError{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassifyError categorizes a backend error by inspecting its chain and
// message for known patterns, returning the most specific class.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "credit balance") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}
