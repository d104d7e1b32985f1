// Package errs defines the data-plane error kinds of the dispatch core and
// their mapping to gRPC/HTTP-equivalent statuses.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds a data-plane request can terminate with.
type Kind int

const (
	// Internal covers unexpected child death, framing errors, and
	// rendering-engine exceptions. Never carries child diagnostics to
	// the caller.
	Internal Kind = iota
	BadRequest
	NotFound
	Unavailable
	DeadlineExceeded
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	case DeadlineExceeded:
		return "deadline_exceeded"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus returns the HTTP-equivalent status carried in ReplyHeaders.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return 400
	case NotFound:
		return 404
	case Unavailable:
		return 503
	case DeadlineExceeded:
		return 504
	case Cancelled:
		return 499
	default:
		return 500
	}
}

// Error is a kind-tagged error. Internal errors never leak their wrapped
// cause to the caller; RPC handlers must use Public(), not Error(), when
// building a caller-visible message.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Public returns the message safe to send to a caller: full detail for
// every kind except Internal, which is always generic.
func (e *Error) Public() string {
	if e.Kind == Internal {
		return "internal error"
	}
	return e.Error()
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Internal if err does not
// wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
