package note

import "errors"

// Callers match these with errors.Is.
var (
	// ErrNotFound covers both a missing note and a note owned by someone
	// else; the two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("note not found")

	ErrValidation = errors.New("validation failed")

	// ErrTransport marks network or relay failures that are safe to retry.
	ErrTransport = errors.New("transport failure")

	ErrAuthRequired = errors.New("authentication required")
)
