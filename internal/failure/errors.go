package failure

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent are sentinel errors used to classify
// processing failures. Every *Error unwraps to exactly one of them.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// Kind names the cause of a processing failure.
type Kind string

const (
	KindNone           Kind = ""
	KindTransform      Kind = "transform_error"
	KindStoreConflict  Kind = "store_conflict"
	KindStoreTransient Kind = "store_transient"
	KindStoreInvalid   Kind = "store_invalid_request"
	KindDeserialize    Kind = "deserialize_error"
	KindTimeout        Kind = "timeout"
	KindInjected       Kind = "injected_failure"
	KindPanic          Kind = "panic"
	KindCanceled       Kind = "canceled"
)

// Permanent reports whether failures of this kind must never be retried.
func (k Kind) Permanent() bool {
	switch k {
	case KindTransform, KindStoreInvalid, KindDeserialize:
		return true
	default:
		return false
	}
}

// Error annotates an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

// New wraps err with the supplied kind. A nil err is replaced by the
// classification sentinel so the result is never empty.
func New(kind Kind, err error) *Error {
	if err == nil {
		err = sentinel(kind)
	}
	return &Error{Kind: kind, Err: err}
}

// Newf is shorthand for New(kind, fmt.Errorf(format, args...)).
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes both the wrapped cause and the classification sentinel, so
// errors.Is(err, ErrTransient) works on any *Error.
func (e *Error) Unwrap() []error {
	return []error{e.Err, sentinel(e.Kind)}
}

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// KindOf returns the kind carried by err. Unclassified errors report def.
func KindOf(err error, def Kind) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return def
}

// IsPermanent reports whether err must not be retried. Errors wrapped with
// WrapPermanent count as permanent as well.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind.Permanent()
	}
	return errors.Is(err, ErrPermanent)
}

func sentinel(kind Kind) error {
	if kind.Permanent() {
		return ErrPermanent
	}
	return ErrTransient
}
