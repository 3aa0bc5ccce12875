// Package errs defines the error taxonomy shared by every brainvault
// component. Each failure carries a stable Kind that clients branch on and a
// human-readable message that they should not parse.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for machine-checkable handling.
type Kind string

const (
	// KindValidation is a malformed name or a missing required field.
	KindValidation Kind = "validation"

	// KindNotFound is an unknown memory or note.
	KindNotFound Kind = "not_found"

	// KindConflict is a duplicate name, an exhausted capacity, or a
	// non-empty archive deleted without force.
	KindConflict Kind = "conflict"

	// KindForbidden is an operation the default memory refuses.
	KindForbidden Kind = "forbidden"

	// KindUnavailable is a per-archive backend that failed or timed out.
	KindUnavailable Kind = "unavailable"

	// KindInternal is anything not classified above.
	KindInternal Kind = "internal"
)

// Error is a classified error. Op names the operation that failed, for
// example "registry.Create" or "memory.Clone".
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, errs.ErrNotFound)
// works through any amount of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

// E builds a classified error with a formatted message.
func E(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

func Validation(op, format string, args ...any) error {
	return E(op, KindValidation, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return E(op, KindNotFound, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return E(op, KindConflict, format, args...)
}

func Forbidden(op, format string, args ...any) error {
	return E(op, KindForbidden, format, args...)
}

func Unavailable(op, format string, args ...any) error {
	return E(op, KindUnavailable, format, args...)
}

// KindOf reports the Kind of the outermost classified error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the message of the outermost classified error, falling
// back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
