package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when an endpoint or credential does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a record with the given ID already exists.
	ErrConflict = errors.New("record already exists")
)
