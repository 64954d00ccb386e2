package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/lattice/relation"
)

// ErrValidation is matched by every ValidationFailure.
var ErrValidation = errors.New("lattice: validation failed")

// ValidationFailure carries the error-severity results that blocked an operation.
type ValidationFailure struct {
	Entity  relation.Ref
	Op      relation.Op
	Results []Result
}

// Error returns the error string.
func (e *ValidationFailure) Error() string {
	msgs := make([]string, len(e.Results))
	for i, r := range e.Results {
		msgs[i] = r.Rule + ": " + r.Message
	}
	return fmt.Sprintf("lattice: %s %s rejected: %s", e.Op, e.Entity, strings.Join(msgs, "; "))
}

// Is reports whether target is ErrValidation.
func (e *ValidationFailure) Is(target error) bool {
	return target == ErrValidation
}
