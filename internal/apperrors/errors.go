// Package apperrors defines the coded error taxonomy of the approvals service.
// Callers branch on Code(err), never on message text.
package apperrors

import (
	"errors"
	"fmt"
)

// Error codes. Domain codes map 1:1 to workflow rule violations; infra codes
// cover persistence and input plumbing.
const (
	// Policy resolution failures; the request cannot be created.
	ErrCodeNoPolicy       = "NO_POLICY"
	ErrCodePolicyNotFound = "POLICY_NOT_FOUND"
	ErrCodePolicyInvalid  = "POLICY_INVALID"

	// Workflow rule violations.
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidApprover    = "INVALID_APPROVER"
	ErrCodeAlreadyDecided     = "ALREADY_DECIDED"
	ErrCodeAlreadyResponded   = "ALREADY_RESPONDED"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeNoEscalationTarget = "NO_ESCALATION_TARGET"

	// Infra codes.
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL"
)

// Error is a coded error. Wrapping preserves the cause for errors.Is/As.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// Code extracts the error code, or ErrCodeInternal for uncoded errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}
