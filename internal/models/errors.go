package models

import "errors"

var (
	// ErrNotFound is returned when a record is absent or not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")
)
