package store

import "errors"

var (
	// ErrNotFound is returned when an entity or field row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionGap is returned when a catch-up request predates the
	// retained log window. The caller must perform a full resync.
	ErrVersionGap = errors.New("requested version predates retained log window")

	// ErrVersionConflict is returned when a version allocation race could
	// not be resolved within the retry budget.
	ErrVersionConflict = errors.New("version allocation conflict")
)
