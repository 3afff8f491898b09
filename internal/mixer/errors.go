// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package mixer

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrConnect   = errors.New("mixer: cannot establish transport")
	ErrTransport = errors.New("mixer: request failed on established transport")
	ErrParse     = errors.New("mixer: malformed device response")
	ErrConfig    = errors.New("mixer: invalid configuration")
	ErrNotFound  = errors.New("mixer: not found")
)

// Error wraps a sentinel with the operation and host that produced it.
type Error struct {
	Kind   error
	Op     string
	Host   string
	Status int
	Err    error // lower-level cause (net.Error, xml.SyntaxError, ...)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Host != "" {
		msg = fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Kind)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Cause returns the lower-level error, if any.
func (e *Error) Cause() error {
	return e.Err
}

// NewError builds an *Error.
func NewError(kind error, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}
