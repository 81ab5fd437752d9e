// Package errors defines the application error taxonomy shared by the search
// engine and the HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// General errors
	ErrorCodeUnknown        ErrorCode = "UNKNOWN"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"

	// Search engine errors
	ErrorCodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrorCodeStrategyExhausted ErrorCode = "STRATEGY_EXHAUSTED"
	ErrorCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	ErrorCodeSearchError       ErrorCode = "SEARCH_ERROR"
	ErrorCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// Error is a coded application error. The code is stable across releases and
// is what callers and the HTTP layer dispatch on; the message is for humans.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error without an underlying cause.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the application error code from an error chain. Errors
// without a coded entry in their chain map to ErrorCodeInternalError; nil
// maps to ErrorCodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrorCodeInternalError
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the human-readable message of a coded error, or the plain
// error text for uncoded errors.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
