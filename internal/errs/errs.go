// Package errs defines the error taxonomy shared by the HTTP surface and
// the storage layer. Every caller-visible failure is classified by a Kind
// so that handlers can map it to a status code without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-visible failure.
type Kind int

const (
	// Internal is an unexpected failure in an external collaborator.
	Internal Kind = iota
	// Unauthorized means no identity could be resolved for the request.
	Unauthorized
	// Forbidden means the identity resolved but is not a participant or
	// owner of the target conversation/session.
	Forbidden
	// InvalidInput covers malformed JSON, missing required fields and bad
	// signaling tokens.
	InvalidInput
	// NotFound means the target conversation or session does not exist.
	NotFound
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified error. It wraps an underlying cause when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err. Unclassified errors report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
