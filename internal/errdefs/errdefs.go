// Package errdefs defines the error vocabulary shared by the deployment engine.
//
// Sentinels identify what went wrong with a resource. Kinds classify a failure
// at a component boundary so callers can decide between retrying and giving up
// without inspecting messages:
//
//	KindValidation   bad input or malformed artifact; never retried
//	KindUnavailable  a collaborator is not configured; never retried
//	KindTransient    remote hiccups and rejections; the queue retries the job
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind is the failure class of an error.
type Kind int

const (
	KindTransient Kind = iota
	KindValidation
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	default:
		return "transient"
	}
}

// Error tags an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Validation marks err as an input or artifact validation failure.
func Validation(err error) error { return wrap(KindValidation, err) }

// Unavailable marks err as a missing or unconfigured collaborator.
func Unavailable(err error) error { return wrap(KindUnavailable, err) }

// Transient marks err as a failure worth retrying.
func Transient(err error) error { return wrap(KindTransient, err) }

// Validationf formats a validation error.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Unavailablef formats a collaborator-unavailable error.
func Unavailablef(format string, args ...any) error {
	return Unavailable(fmt.Errorf(format, args...))
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the outermost Kind attached to err. ErrInvalidArgument counts
// as validation; anything unclassified is transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrInvalidArgument) {
		return KindValidation
	}
	return KindTransient
}

// Retryable reports whether re-running the failed operation can succeed.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
