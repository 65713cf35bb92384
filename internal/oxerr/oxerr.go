// Package oxerr defines the typed error taxonomy shared by every layer
// of the repository core. Callers distinguish error kinds with errors.Is
// / errors.As rather than string matching.
package oxerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy discriminant. It never changes meaning once defined;
// new kinds are only ever added.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidInput
	KindConflict
	KindCannotOverwrite
	KindNothingToCommit
	KindCorruption
	KindIO
	KindNetwork
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidInput:
		return "InvalidInput"
	case KindConflict:
		return "Conflict"
	case KindCannotOverwrite:
		return "CannotOverwrite"
	case KindNothingToCommit:
		return "NothingToCommit"
	case KindCorruption:
		return "Corruption"
	case KindIO:
		return "Io"
	case KindNetwork:
		return "Network"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the core. It wraps an
// underlying cause (possibly nil) and is comparable by Kind via errors.Is.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is implements errors.Is support so that errors.Is(err, oxerr.ErrNotFound)
// style checks match by Kind, even through github.com/pkg/errors wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a new Error of the given kind with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to cause, preserving it as the Unwrap() target so
// errors.Is and errors.As still reach the original error.
func Wrap(cause error, k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err (or any error it wraps) has kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// sentinels for the common cases, usable directly with errors.Is.
var (
	ErrNotFound         = New(KindNotFound, "not found")
	ErrAlreadyExists    = New(KindAlreadyExists, "already exists")
	ErrNothingToCommit  = New(KindNothingToCommit, "nothing to commit")
	ErrCorruption       = New(KindCorruption, "corrupted data")
	ErrConflict         = New(KindConflict, "conflict")
	ErrCannotOverwrite  = New(KindCannotOverwrite, "would overwrite local modifications")
	ErrInvalidInput     = New(KindInvalidInput, "invalid input")
)

// NotFound builds a NotFound error naming what was missing.
func NotFound(what string, args ...interface{}) *Error {
	return New(KindNotFound, what, args...)
}

// AlreadyExists builds an AlreadyExists error.
func AlreadyExists(what string, args ...interface{}) *Error {
	return New(KindAlreadyExists, what, args...)
}

// InvalidInput builds an InvalidInput error.
func InvalidInput(what string, args ...interface{}) *Error {
	return New(KindInvalidInput, what, args...)
}

// Conflict builds a Conflict error.
func Conflict(what string, args ...interface{}) *Error {
	return New(KindConflict, what, args...)
}

// CannotOverwriteError is a CannotOverwrite error carrying the offending
// paths; NewCannotOverwrite builds one.
type CannotOverwriteError struct {
	Err   *Error
	Paths []string
}

func NewCannotOverwrite(paths []string) *CannotOverwriteError {
	return &CannotOverwriteError{
		Err:   New(KindCannotOverwrite, "would overwrite local modifications in %d path(s)", len(paths)),
		Paths: paths,
	}
}

func (e *CannotOverwriteError) Error() string { return e.Err.Error() }

func (e *CannotOverwriteError) Unwrap() error { return e.Err }

func (e *CannotOverwriteError) Is(target error) bool { return e.Err.Is(target) }
