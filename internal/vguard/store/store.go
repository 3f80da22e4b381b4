package store

import "errors"

var (
	// ErrNotFound is returned when a visitor or visit does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by UpdateVisit when the stored revision no
	// longer matches the revision the caller read.
	ErrConflict = errors.New("visit modified concurrently")

	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("already exists")
)
