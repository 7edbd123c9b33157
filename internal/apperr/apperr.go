// Package apperr defines the broker's error taxonomy. Errors are classified
// by Kind so the HTTP layer can map them to status codes without inspecting
// message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level mapping.
type Kind int

const (
	// Internal is the default kind: database or invariant failures.
	Internal Kind = iota
	// Validation indicates a malformed input or violated constraint.
	Validation
	// NotFound indicates a missing row or live handle.
	NotFound
	// Conflict indicates a uniqueness violation such as a duplicate server name.
	Conflict
	// ConfigMissing indicates required configuration (e.g. embedding key) is absent.
	ConfigMissing
	// Upstream indicates a failure in the embedding endpoint or an MCP server.
	Upstream
	// Shape indicates a vector dimension mismatch.
	Shape
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ConfigMissing:
		return "config_missing"
	case Upstream:
		return "upstream"
	case Shape:
		return "shape"
	default:
		return "internal"
	}
}

// Error carries a kind plus a safe, user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it on the unwrap chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
