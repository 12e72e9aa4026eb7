package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation_error")
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate_limited")
	ErrTransient    = errors.New("transient")
	ErrSizeExceeded = errors.New("size_exceeded")
	ErrCancelled    = errors.New("cancelled")
	ErrInternal     = errors.New("internal")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrForbidden,
	ErrConflict,
	ErrRateLimited,
	ErrTransient,
	ErrSizeExceeded,
	ErrCancelled,
	ErrInternal,
}

func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsRateLimited(err error) bool  { return errors.Is(err, ErrRateLimited) }
func IsTransient(err error) bool    { return errors.Is(err, ErrTransient) }
func IsSizeExceeded(err error) bool { return errors.Is(err, ErrSizeExceeded) }
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Kind returns the taxonomy name of err. Unclassified errors report as
// internal.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled.Error()
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ErrInternal.Error()
}

// Retryable reports whether the retry executor may attempt err again.
// Rate limiting and transient faults retry; everything else is terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Wrapf attaches a kind to a formatted message so that errors.Is matches
// the kind and the message leads with the kind name.
func Wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// WrapErr keeps cause visible in the message while classifying it under kind.
func WrapErr(kind error, msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %s", kind, msg, cause.Error())
}
