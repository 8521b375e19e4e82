// Package gerrs defines gitgres's error taxonomy (spec §7) and the helpers
// that map driver- and library-level errors into it. Every package from the
// storage driver upward returns (or wraps into) one of these kinds so the
// remote-helper loop and the Git-library backend adapters can make a single
// kind-switch decision instead of string-matching error text.
package gerrs

import (
	"github.com/pkg/errors"
)

// Kind is one of the error kinds spec §7 names.
type Kind int

const (
	_ Kind = iota
	NotFound
	Ambiguous
	AlreadyExists
	ValueChanged
	MalformedInput
	InvalidType
	StorageFailure
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Ambiguous:
		return "Ambiguous"
	case AlreadyExists:
		return "AlreadyExists"
	case ValueChanged:
		return "ValueChanged"
	case MalformedInput:
		return "MalformedInput"
	case InvalidType:
		return "InvalidType"
	case StorageFailure:
		return "StorageFailure"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Context carries the human-readable
// detail; Kind is what callers branch on.
type Error struct {
	Kind    Kind
	Context string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.Context + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.Context
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with no further wrapped cause.
func New(kind Kind, context string) error {
	return &Error{Kind: kind, Context: context}
}

// Wrap tags cause with kind, preserving it as the error chain's Unwrap
// target so errors.Is/errors.As on the underlying driver error still works.
func Wrap(kind Kind, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or returns (0, false) if err is not
// (or does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
