package pipeline

import (
	"errors"
	"fmt"
)

// Error codes used across the pipeline. The code decides the retry policy:
// transient codes are retried up to the job's attempt budget, terminal codes
// fail fast.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeTransientService = "TRANSIENT_SERVICE_ERROR"
	CodeTerminalService  = "TERMINAL_SERVICE_ERROR"
	CodeRateLimitTimeout = "RATE_LIMIT_TIMEOUT"
	CodeVerification     = "VERIFICATION_ERROR"
)

// Error is a typed pipeline error carrying a classification code and whether
// the operation may be retried.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewValidationError reports required input missing before dispatch. Fails
// the job immediately, no retry.
func NewValidationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// NewNotFoundError reports a referenced source artifact absent in storage.
func NewNotFoundError(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NewTransientServiceError reports a remote 5xx or timeout. Retried per the
// job's attempt budget.
func NewTransientServiceError(msg string, cause error) *Error {
	return &Error{Code: CodeTransientService, Message: msg, Retryable: true, Cause: cause}
}

// NewTerminalServiceError reports a remote 4xx other than rate limiting.
func NewTerminalServiceError(msg string, cause error) *Error {
	return &Error{Code: CodeTerminalService, Message: msg, Cause: cause}
}

// NewRateLimitTimeout reports that no concurrency slot freed up within the
// wait window. Retryable at the job-scheduling level, not a permanent
// failure.
func NewRateLimitTimeout(msg string) *Error {
	return &Error{Code: CodeRateLimitTimeout, Message: msg, Retryable: true}
}

// NewVerificationError reports a fetched artifact failing size or signature
// checks. Takes the same retry path as a transient service error.
func NewVerificationError(msg string) *Error {
	return &Error{Code: CodeVerification, Message: msg, Retryable: true}
}

// Retryable reports whether err may be retried. Unclassified errors are
// treated as transient so unexpected faults stay bounded by the attempt
// budget rather than failing a job outright.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// CodeOf returns the classification code of err, or empty for unclassified
// errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
