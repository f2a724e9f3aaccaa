package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist or is not
	// owned by the requesting principal. Ownership failures are not
	// distinguished from absence, so handlers cannot leak existence.
	ErrNotFound = errors.New("entity not found")

	// ErrNotQuestion is returned when a message-targeted operation is
	// only valid for user questions but the target is an answer.
	ErrNotQuestion = errors.New("message is not a user question")
)

// InsufficientCreditsError is the typed result of a failed reserve.
// Reserve and refund are total functions: running out of credits is a
// value, not an exception.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is a failed reserve.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}
