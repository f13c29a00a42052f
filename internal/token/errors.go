package token

import (
	"errors"
	"fmt"
)

// Code classifies a verification failure.
type Code string

const (
	CodeExpired          Code = "expired"
	CodeInvalidSignature Code = "invalid_signature"
	CodeInvalidState     Code = "invalid_state"
	CodeBindingMismatch  Code = "binding_mismatch"
	CodeRevoked          Code = "revoked"
	// CodeCacheUnavailable means the replay store could not be reached. It is
	// an infrastructure condition, not a client fault.
	CodeCacheUnavailable Code = "cache_unavailable"
)

// ErrReplayed is wrapped when a single-use token is presented again.
var ErrReplayed = errors.New("token already used")

// Error is returned by every Verify method.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
