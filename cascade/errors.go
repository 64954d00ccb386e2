package cascade

import (
	"errors"
	"fmt"
)

var (
	// ErrCascade is matched by every CascadeError.
	ErrCascade = errors.New("lattice: cascade failed")

	// ErrDependencyCycle is returned when cascade dependencies form a cycle.
	ErrDependencyCycle = errors.New("lattice: cascade dependency cycle")

	// ErrInvalidTransition is returned for a state change the transaction
	// does not allow.
	ErrInvalidTransition = errors.New("lattice: invalid transaction state transition")
)

// CascadeError reports the first failed step of a cascading operation and
// every compensation that failed while rolling back.
type CascadeError struct {
	// Index is the position of the failed step.
	Index int
	Step  Operation
	Err   error

	RollbackErrors []error
}

// Error returns the error string.
func (e *CascadeError) Error() string {
	msg := fmt.Sprintf("lattice: cascade step %d (%s %s#%s) failed: %v",
		e.Index, e.Step.Type, e.Step.EntityType, e.Step.ID, e.Err)
	if n := len(e.RollbackErrors); n > 0 {
		msg += fmt.Sprintf("; rollback: %v", errors.Join(e.RollbackErrors...))
	}
	return msg
}

// Unwrap returns the step error followed by the rollback errors.
func (e *CascadeError) Unwrap() []error {
	return append([]error{e.Err}, e.RollbackErrors...)
}

// Is reports whether target is ErrCascade.
func (e *CascadeError) Is(target error) bool {
	return target == ErrCascade
}
