package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = eris.New("not found")

	// ErrInvalidTransition marks a conflict: the record exists but is not in
	// a state that allows the requested operation.
	ErrInvalidTransition = eris.New("invalid state transition")

	// ErrDuplicate marks a tenant-scoped uniqueness violation.
	ErrDuplicate = eris.New("duplicate record")
)

// IsConflict reports whether err is an invalid state transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
