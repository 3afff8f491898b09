// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package control

import (
	"context"
	"errors"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/registry"
)

// Code is the stable category of a failed operation.
type Code string

const (
	CodeConnect     Code = "CONNECT_FAILED"   // device could not be reached
	CodeTransport   Code = "TRANSPORT_FAILED" // request failed on an open transport
	CodeParse       Code = "BAD_RESPONSE"     // device answered with garbage
	CodeInvalid     Code = "INVALID_ARGUMENT"
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE" // service shutting down or request cancelled
	CodeInternal    Code = "INTERNAL_ERROR"
)

// Error is the only error type crossing the command surface: one stable code
// and one flattened message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// flatten converts any internal error into an *Error. nil stays nil.
func flatten(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: codeOf(err), Message: err.Error()}
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, mixer.ErrConnect):
		return CodeConnect
	case errors.Is(err, mixer.ErrTransport):
		return CodeTransport
	case errors.Is(err, mixer.ErrParse):
		return CodeParse
	case errors.Is(err, mixer.ErrConfig):
		return CodeInvalid
	case errors.Is(err, mixer.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, registry.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// CodeOf reports the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return codeOf(err)
}
