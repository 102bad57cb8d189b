// Package errs defines the error taxonomy shared by the core packages.
// Transport layers map a Kind onto their own status codes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller should react to it.
type Kind int

const (
	// KindInternal is anything not otherwise classified
	KindInternal Kind = iota
	// KindBadRequest is malformed or unknown-but-referenced input, never retried
	KindBadRequest
	// KindForbidden is an ACL or ownership violation
	KindForbidden
	// KindNotFound is a missing addressed resource
	KindNotFound
	// KindConflict is a state incompatible with the requested operation
	KindConflict
	// KindUnavailable is a remote dependency that could not answer
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "service_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string

	// Field names the offending input parameter, if any
	Field string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BadRequest creates a KindBadRequest error.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

// Invalid creates a KindBadRequest error tied to an input field.
func Invalid(field, format string, args ...interface{}) *Error {
	e := New(KindBadRequest, format, args...)
	e.Field = field
	return e
}

// Forbidden creates a KindForbidden error.
func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

// NotFound creates a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a KindConflict error.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// Unavailable creates a KindUnavailable error.
func Unavailable(format string, args ...interface{}) *Error {
	return New(KindUnavailable, format, args...)
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
