// Package errors defines the wire-stable error taxonomy surfaced in
// Responses and carried internally between the storage engine, command
// processor, and session layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a wire-stable error identifier carried in Response.ErrorCode.
type Code string

const (
	InvalidRequest  Code = "INVALID_REQUEST"
	PayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	NotFound        Code = "NOT_FOUND"
	Timeout         Code = "TIMEOUT"
	Connection      Code = "CONNECTION"
	InternalError   Code = "INTERNAL_ERROR"
)

// Error is a typed error carrying a wire-stable Code plus a human message.
// The command processor maps Error values directly onto Response's
// error_code and error fields.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Code to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the Code from err, defaulting to InternalError for
// errors not constructed by this package.
func CodeOf(err error) Code {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return InternalError
}
