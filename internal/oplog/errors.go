package oplog

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed submissions. Use errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrStorageUnavailable wraps every backing-store failure. An append that
	// returns it was not accepted.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound is only returned for snapshots; operation queries on an
	// unknown project return an empty result.
	ErrNotFound = errors.New("not found")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
