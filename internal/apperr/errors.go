// Package apperr defines the error kinds shared by every provenance service.
// Callers branch on Kind (through errors.Is against the sentinels or KindOf)
// rather than on message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown             Kind = ""
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindConflictRetryable   Kind = "conflict_retryable"
	KindInvalidTransition   Kind = "invalid_transition"
	KindValidationFailed    Kind = "validation_failed"
	KindReauthRequired      Kind = "reauth_required"
	KindExternalUnavailable Kind = "external_unavailable"
)

var (
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrConflictRetryable   = &Error{Kind: KindConflictRetryable}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrReauthRequired      = &Error{Kind: KindReauthRequired}
	ErrExternalUnavailable = &Error{Kind: KindExternalUnavailable}
)

// Error is a classified failure. Entity and ID name the object involved when known.
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, " %s", e.ID)
		}
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	default:
		b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound) works on
// errors carrying entity context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Entity == "" || t.Entity == e.Entity)
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Msg: "not found"}
}

// Conflict reports a uniqueness or state collision on an entity.
func Conflict(entity, id, msg string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Msg: msg}
}

// Forbidden reports a missing capability.
func Forbidden(capability string) *Error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf("capability %s not granted", capability)}
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return New(KindValidationFailed, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the operation after
// re-reading current state.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflictRetryable
}
