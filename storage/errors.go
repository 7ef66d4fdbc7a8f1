package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrCorrupt is returned when a file exists but does not decode.
	ErrCorrupt = errors.New("file is corrupt")
)
