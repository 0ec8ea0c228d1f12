// Package apperr defines the coded error taxonomy shared by the session,
// dispatcher and broadcast runner.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error by how callers must react to it
type Code string

const (
	// CodeTransport is a socket-level failure; always retried via the reconnect policy
	CodeTransport Code = "TRANSPORT"
	// CodeProtocol is a malformed or unexpected frame; dropped silently
	CodeProtocol Code = "PROTOCOL"
	// CodeAPI is a non-2xx or status:false response from the external site
	CodeAPI Code = "API"
	// CodeLockContention means an OperationLock is held by someone else
	CodeLockContention Code = "LOCK_CONTENTION"
	// CodeConfiguration is missing token/ids/message, rejected before any network call
	CodeConfiguration Code = "CONFIGURATION"
	// CodeHostInvalidated means the host environment is gone; background loops must stop
	CodeHostInvalidated Code = "HOST_INVALIDATED"
)

// Error is a coded error with an optional cause
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error
func New(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error
func Wrap(code Code, err error, msg string) *Error { return &Error{Code: code, Msg: msg, Err: err} }

// Is reports whether any error in err's chain carries the given code
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first coded error in the chain, or "" if none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
