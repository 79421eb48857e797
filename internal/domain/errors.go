package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Conflict means the reference is valid but claimed or
// already taken by another party; not-found means the reference is simply
// invalid for the caller. Config errors are raised at definition time and
// never persisted.
var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	ErrConfig   = errors.New("invalid configuration")
)

func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func Configf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfig)...)
}

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsConfig(err error) bool   { return errors.Is(err, ErrConfig) }

// BatchError aggregates failures across one dispatch batch: the first
// failure is the representative one, later failures ride along as
// suppressed so no schedule in the batch fails silently.
type BatchError struct {
	First      error
	Suppressed []error
}

func (e *BatchError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.First.Error()
	}
	return fmt.Sprintf("%v (and %d more failures)", e.First, len(e.Suppressed))
}

func (e *BatchError) Unwrap() error { return e.First }

// Collect returns nil for no errors, the error itself for one, and a
// BatchError otherwise.
func Collect(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &BatchError{First: errs[0], Suppressed: errs[1:]}
	}
}
