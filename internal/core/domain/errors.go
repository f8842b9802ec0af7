package domain

import (
	"errors"
	"fmt"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoChange indicates an update would not modify the stored resource
	ErrNoChange = errors.New("content has not changed")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable indicates a dependent store or index could not be reached
	// or failed unexpectedly
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrStartupUnavailable indicates a dependency never became ready during startup
	ErrStartupUnavailable = errors.New("dependency unavailable at startup")
)

// Invalid wraps a validation failure with a human readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable marks err as an infrastructure failure of the named component.
// A nil err yields nil. Errors that are already classified are returned unchanged
// apart from the component prefix.
func Unavailable(component string, err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) || errors.Is(err, ErrServiceUnavailable) {
		return fmt.Errorf("%s: %w", component, err)
	}
	return fmt.Errorf("%s: %w: %w", component, ErrServiceUnavailable, err)
}

// IsTransient reports whether err belongs to the external-service class and may
// succeed if retried once dependencies recover.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNoChange)
}
