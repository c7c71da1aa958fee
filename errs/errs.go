// Package errs defines the error taxonomy shared by all Foreman components.
// Callers classify failures with errors.Is against the three sentinels.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates an operation attempted from a state
	// that does not permit it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrIntegrityViolation indicates an attempt to delete or modify an
	// entity that other live entities depend on.
	ErrIntegrityViolation = errors.New("integrity violation")
)

// NotFound wraps ErrNotFound with the entity kind and ID.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// InvalidTransition wraps ErrInvalidTransition with a description of the
// rejected operation.
func InvalidTransition(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidTransition)...)
}

// IntegrityViolation wraps ErrIntegrityViolation with a description of the
// dependency that blocks the operation.
func IntegrityViolation(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrIntegrityViolation)...)
}
