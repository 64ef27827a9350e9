package storage

import "errors"

var (
	// ErrNotFound is returned when no snapshot exists for an instance.
	ErrNotFound = errors.New("instance not found")
	// ErrVersionConflict is returned when another writer already stored the next version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyActive is returned by Create for an id with a live snapshot.
	ErrAlreadyActive = errors.New("instance already active")
	// ErrAlreadyExists is returned by Create for an id that has finished before.
	ErrAlreadyExists = errors.New("instance id already used")
)
