// Package apperr defines the closed set of error kinds the dispatch
// core surfaces to its callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a closed classification of failures the operations surface
// maps to a transport-level response.
type Kind string

const (
	NotFound         Kind = "not_found"
	InvalidArgument  Kind = "invalid_argument"
	InvalidTransition Kind = "invalid_transition"
	NotReady         Kind = "not_ready"
	QueueFull        Kind = "queue_full"
	Conflict         Kind = "conflict"
	Unavailable      Kind = "unavailable"
	Internal         Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// classification without string matching.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error under op/kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
