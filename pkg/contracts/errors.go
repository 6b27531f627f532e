package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode is the failure taxonomy surfaced to callers. Stack traces
// never cross this boundary; they go to telemetry.
type ErrorCode string

const (
	ErrPolicyDenied     ErrorCode = "POLICY_DENIED"
	ErrApprovalRequired ErrorCode = "APPROVAL_REQUIRED"
	ErrCRVBlocked       ErrorCode = "CRV_BLOCKED"
	ErrSchemaInvalid    ErrorCode = "SCHEMA_INVALID"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrOutboxBusy       ErrorCode = "OUTBOX_BUSY"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrDegraded         ErrorCode = "DEGRADED"
	ErrFatal            ErrorCode = "FATAL"
)

// Error is the structured error crossing the public boundary. It carries
// a code from the closed taxonomy, a human-readable message, and optional
// structured metadata (approval token, remediation, failure code).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Error struct {
	Code          ErrorCode      `json:"code"`
	Message       string         `json:"message"`
	ApprovalToken string         `json:"approval_token,omitempty"`
	Remediation   string         `json:"remediation,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	cause         error
}

// NewError builds a taxonomy error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf builds a taxonomy error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error wrapping an underlying cause.
func Wrap(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithMeta attaches a metadata key and returns the error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// CodeOf extracts the taxonomy code from err, or FATAL when err carries
// no code.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrFatal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
