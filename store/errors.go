package store

import (
	"errors"

	"github.com/jacentio/lattice/relation"
)

var (
	// ErrNotFound is returned when an entity doesn't exist or is soft-removed.
	ErrNotFound = relation.ErrNotFound

	// ErrParentNotFound is returned when an entity references a missing or
	// soft-removed entity through a foreign key.
	ErrParentNotFound = errors.New("lattice: referenced entity not found")

	// ErrAlreadyExists is returned when attempting to insert an entity with an existing id.
	ErrAlreadyExists = errors.New("lattice: entity already exists")

	// ErrConcurrentModification is returned when the entity changed between
	// the read and the write of an update.
	ErrConcurrentModification = errors.New("lattice: entity was modified concurrently")

	// ErrDuplicateValue is returned when a unique constraint is violated.
	ErrDuplicateValue = errors.New("lattice: duplicate value for unique field")

	// ErrUnprocessed is returned when DynamoDB keeps throttling a batch read.
	ErrUnprocessed = errors.New("lattice: batch request left unprocessed keys")
)
