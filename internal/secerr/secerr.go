// Package secerr provides structured errors for the security layer.
//
// Errors carry a category, a stable machine-readable code, and a
// recoverability hint. Codes are what callers should branch on; messages
// are for humans and logs only.
package secerr

import (
	"errors"
	"fmt"
)

// Type categorizes an error.
type Type string

const (
	TypeValidation Type = "validation"
	TypeSecurity   Type = "security"
	TypeAuth       Type = "auth"
	TypeConfig     Type = "config"
	TypeInternal   Type = "internal"
)

// Error is a structured error with a category and stable code.
type Error struct {
	Type        Type
	Code        string
	Message     string
	Cause       error
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Type and Code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithCause returns a copy of the error with an underlying cause attached.
// Copying keeps shared sentinel errors immutable.
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.Cause = cause
	return &clone
}

// New creates a structured error.
func New(t Type, code, message string) *Error {
	return &Error{Type: t, Code: code, Message: message, Recoverable: t != TypeInternal}
}

// NewValidation creates a recoverable validation error.
func NewValidation(code, message string) *Error {
	return &Error{Type: TypeValidation, Code: code, Message: message, Recoverable: true}
}

// NewSecurity creates a security error. Security errors are not recoverable
// by retrying the same input.
func NewSecurity(code, message string) *Error {
	return &Error{Type: TypeSecurity, Code: code, Message: message, Recoverable: false}
}

// NewAuth creates an authentication error. Recoverable at the protocol
// level: the client may retry with a fresh credential.
func NewAuth(code, message string) *Error {
	return &Error{Type: TypeAuth, Code: code, Message: message, Recoverable: true}
}

// NewConfig creates a configuration error.
func NewConfig(code, message string) *Error {
	return &Error{Type: TypeConfig, Code: code, Message: message, Recoverable: false}
}

// Code extracts the structured code from err, or "" if err is not a *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRecoverable reports whether err is a recoverable structured error.
// Unstructured errors are treated as non-recoverable (fail closed).
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}
