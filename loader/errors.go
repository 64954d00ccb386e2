package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad is matched by every LoadError.
	ErrLoad = errors.New("lattice: relationship load failed")

	// ErrUnknownRelation is returned when a relation is not registered.
	ErrUnknownRelation = errors.New("lattice: unknown relation")

	// ErrCycleExceeded marks a traversal cut by depth or a cycle. It is
	// informational; loads record it on the node instead of failing.
	ErrCycleExceeded = errors.New("lattice: circular reference limit reached")
)

// LoadError reports a failed fetch while resolving a relation.
type LoadError struct {
	EntityType string
	ID         string
	Relation   string
	Err        error
}

// Error returns the error string.
func (e *LoadError) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("lattice: load %s#%s: %v", e.EntityType, e.ID, e.Err)
	}
	return fmt.Sprintf("lattice: load %s#%s.%s: %v", e.EntityType, e.ID, e.Relation, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}
