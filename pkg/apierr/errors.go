// Package apierr carries the error taxonomy of the Controller's service and
// HTTP boundary: validation, not-found, conflict, and internal failures, each
// mapped to a stable Kind so callers can branch on it without string
// matching. The Runtime does not use it; its RPC boundary reports failures as
// plain (false, reason) pairs.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level mapping.
type Kind int

const (
	// Internal covers storage-layer and other unexpected failures.
	Internal Kind = iota
	// BadRequest covers malformed input: bad CIDR, wrong prefix, empty fields.
	BadRequest
	// NotFound covers UnknownNode.
	NotFound
	// Conflict covers subnet exhaustion and other state conflicts.
	Conflict
)

// Error is a typed error carrying a Kind for transport mapping.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

func newErr(k Kind, msg string, wrapped error) *Error {
	return &Error{Kind: k, Msg: msg, err: wrapped}
}

// BadRequestf builds a BadRequest error.
func BadRequestf(format string, args ...interface{}) *Error {
	return newErr(BadRequest, fmt.Sprintf(format, args...), nil)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return newErr(NotFound, fmt.Sprintf(format, args...), nil)
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return newErr(Conflict, fmt.Sprintf(format, args...), nil)
}

// Internalf wraps an unexpected failure.
func Internalf(msg string, wrapped error) *Error {
	return newErr(Internal, msg, wrapped)
}

// KindOf extracts the Kind of err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ErrUnknownNode is returned by Heartbeat when the node id is not registered.
var ErrUnknownNode = NotFoundf("unknown node")

// ErrExhaustedSubnets is returned by Register when no /24 remains.
var ErrExhaustedSubnets = Conflictf("ExhaustedSubnets")
