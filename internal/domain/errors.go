package domain

import (
	"errors"
	"fmt"
)

// Code classifies an error for the tool surface. Values are stable and
// appear verbatim in API responses.
type Code string

const (
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotAuthorized      Code = "not_authorized"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeRuntimeUnavailable Code = "runtime_unavailable"
	CodeExecTimeout        Code = "exec_timeout"
	CodeExecFailed         Code = "exec_failed"
	CodeInstallFailed      Code = "install_failed"
	CodeBadPath            Code = "bad_path"
	CodeRateLimited        Code = "rate_limited"
	CodeIOError            Code = "io_error"
	CodeInternal           Code = "internal"
)

// Error is the taxonomy error carried across component boundaries.
// Runtime-specific details stay in the wrapped cause and are logged,
// never returned to callers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a taxonomy error.
func E(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef constructs a taxonomy error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
