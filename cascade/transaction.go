package cascade

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/validate"
)

// State is the lifecycle state of a Transaction.
type State string

const (
	StateBuilding   State = "building"
	StateExecuting  State = "executing"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"

	// StateFailed ends a transaction that stopped without compensation:
	// validation or graph errors, or a failed step with rollback disabled.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

var transitions = map[State][]State{
	StateBuilding:  {StateExecuting, StateFailed},
	StateExecuting: {StateCommitted, StateRolledBack, StateFailed},
}

// Operation is one executed write.
type Operation struct {
	Type       relation.Op
	EntityType string
	ID         string
	Data       map[string]any

	// Dependencies lists the refs that had to be written first.
	Dependencies []string
}

// Ref returns the ref of the written entity.
func (o Operation) Ref() relation.Ref {
	return relation.Ref{Type: o.EntityType, ID: o.ID}
}

type compensation struct {
	op   Operation
	undo func(context.Context) error
}

// Transaction tracks one cascading operation. It is owned by a single
// caller and is not safe for concurrent use.
type Transaction struct {
	ID         string
	Operations []Operation
	Warnings   []validate.Result

	state    State
	rollback []compensation
}

// NewTransaction creates a transaction in the Building state.
func NewTransaction() *Transaction {
	return &Transaction{
		ID:    uuid.NewString(),
		state: StateBuilding,
	}
}

// State returns the current state.
func (tx *Transaction) State() State {
	return tx.state
}

// Begin moves the transaction to Executing.
func (tx *Transaction) Begin() error {
	return tx.transition(StateExecuting)
}

// Pending returns the number of recorded compensations.
func (tx *Transaction) Pending() int {
	return len(tx.rollback)
}

func (tx *Transaction) transition(to State) error {
	for _, s := range transitions[tx.state] {
		if s == to {
			tx.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.state, to)
}
