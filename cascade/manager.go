// Package cascade propagates write operations across related entities as a
// saga: steps run in dependency order and every successful write records a
// compensation that undoes it if a later step fails.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/validate"
)

// Checker validates an entity ahead of an operation. *validate.Validator
// implements it.
type Checker interface {
	Check(ctx context.Context, entity relation.Entity, op relation.Op) ([]validate.Result, error)
}

// Invalidator drops cached state for refs after a commit. *cache.Cache and
// the invalidation bus implement it.
type Invalidator interface {
	Invalidate(ctx context.Context, refs ...string) error
}

// Manager builds and executes cascading operations.
type Manager struct {
	registry    *relation.Registry
	store       relation.Store
	config      Config
	checker     Checker
	invalidator Invalidator
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithValidator validates every step entity before the first write.
func WithValidator(c Checker) Option {
	return func(m *Manager) { m.checker = c }
}

// WithInvalidator is notified of every ref written by a committed transaction.
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.invalidator = inv }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a new Manager.
func New(registry *relation.Registry, store relation.Store, config Config, opts ...Option) *Manager {
	config.validate()
	m := &Manager{
		registry: registry,
		store:    store,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Execute runs op on root and everything it cascades to. The returned
// transaction is always non-nil and ends in a terminal state.
func (m *Manager) Execute(ctx context.Context, root relation.Entity, op relation.Op) (*Transaction, error) {
	tx := NewTransaction()
	ref := relation.RefOf(root)

	steps, err := m.BuildOperationGraph(ctx, root, op)
	if err != nil {
		m.fail(tx)
		return tx, err
	}

	if m.checker != nil {
		for _, step := range steps {
			results, err := m.checker.Check(ctx, step.Entity, op)
			tx.Warnings = append(tx.Warnings, results...)
			if err != nil {
				m.fail(tx)
				return tx, err
			}
		}
	}

	if err := tx.Begin(); err != nil {
		return tx, err
	}
	m.logger.Info("cascade started",
		"txId", tx.ID,
		"op", op,
		"entityType", ref.Type,
		"entityId", ref.ID,
		"steps", len(steps),
	)

	for _, step := range steps {
		if err := m.ExecuteOperation(ctx, step, tx); err != nil {
			return tx, err
		}
	}
	return tx, m.Commit(ctx, tx)
}

// ExecuteOperation writes one step within tx, which must be Executing, and
// records its compensation. When the write fails, or ctx is done, the
// recorded compensations run in reverse order and a *CascadeError is
// returned.
func (m *Manager) ExecuteOperation(ctx context.Context, step Step, tx *Transaction) error {
	if tx.state != StateExecuting {
		return fmt.Errorf("%w: cannot execute in state %s", ErrInvalidTransition, tx.state)
	}

	ref := step.Ref()
	op := Operation{
		Type:         step.Op,
		EntityType:   ref.Type,
		ID:           ref.ID,
		Data:         relation.AttributesOf(step.Entity),
		Dependencies: step.DependsOn,
	}
	index := len(tx.Operations)
	tx.Operations = append(tx.Operations, op)

	if err := ctx.Err(); err != nil {
		return m.abort(ctx, tx, index, op, err)
	}
	undo, err := m.write(ctx, step.Entity, &op)
	if err != nil {
		return m.abort(ctx, tx, index, op, err)
	}
	tx.Operations[index] = op
	tx.rollback = append(tx.rollback, compensation{op: op, undo: undo})
	return nil
}

// Commit ends tx successfully and invalidates cached state for every
// written entity. Invalidation failures are logged.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	if err := tx.transition(StateCommitted); err != nil {
		return err
	}
	tx.rollback = nil
	m.logger.Info("cascade committed", "txId", tx.ID, "operations", len(tx.Operations))

	if m.invalidator == nil || len(tx.Operations) == 0 {
		return nil
	}
	refs := make([]string, len(tx.Operations))
	for i, op := range tx.Operations {
		refs[i] = op.Ref().String()
	}
	if err := m.invalidator.Invalidate(ctx, refs...); err != nil {
		m.logger.Warn("cache invalidation failed", "txId", tx.ID, "error", err)
	}
	return nil
}

// write performs op and returns its compensation.
func (m *Manager) write(ctx context.Context, entity relation.Entity, op *Operation) (func(context.Context) error, error) {
	s := m.store
	typ, id := op.EntityType, op.ID

	switch op.Type {
	case relation.OpInsert:
		data := maps.Clone(op.Data)
		if data == nil {
			data = make(map[string]any)
		}
		if id != "" {
			data["id"] = id
		}
		newID, err := s.Insert(ctx, typ, data)
		if err != nil {
			return nil, err
		}
		op.ID = newID
		return func(ctx context.Context) error { return s.Remove(ctx, typ, newID) }, nil

	case relation.OpUpdate:
		prev, err := s.Fetch(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		before := relation.AttributesOf(prev)
		if err := s.Update(ctx, typ, id, op.Data); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return s.Update(ctx, typ, id, before) }, nil

	case relation.OpRemove:
		before := relation.AttributesOf(entity)
		if prev, err := s.Fetch(ctx, typ, id); err == nil {
			before = relation.AttributesOf(prev)
		} else if !errors.Is(err, relation.ErrNotFound) {
			return nil, err
		}
		if err := s.Remove(ctx, typ, id); err != nil {
			return nil, err
		}
		data := maps.Clone(before)
		if data == nil {
			data = make(map[string]any)
		}
		data["id"] = id
		return func(ctx context.Context) error {
			_, err := s.Insert(ctx, typ, data)
			return err
		}, nil

	case relation.OpSoftRemove:
		if err := s.SoftRemove(ctx, typ, id); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return s.Recover(ctx, typ, id) }, nil

	case relation.OpRecover:
		if err := s.Recover(ctx, typ, id); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return s.SoftRemove(ctx, typ, id) }, nil
	}
	return nil, fmt.Errorf("lattice: unknown operation %q", op.Type)
}

// abort ends tx after a failed step, compensating when rollback is enabled.
func (m *Manager) abort(ctx context.Context, tx *Transaction, index int, op Operation, cause error) error {
	cerr := &CascadeError{Index: index, Step: op, Err: cause}
	m.logger.Error("cascade step failed",
		"txId", tx.ID,
		"step", index,
		"op", op.Type,
		"entityType", op.EntityType,
		"entityId", op.ID,
		"error", cause,
	)

	if !m.config.EnableTransactionRollback {
		m.fail(tx)
		return cerr
	}

	cerr.RollbackErrors = m.rollback(context.WithoutCancel(ctx), tx)
	_ = tx.transition(StateRolledBack)
	m.logger.Info("cascade rolled back",
		"txId", tx.ID,
		"compensated", index,
		"rollbackErrors", len(cerr.RollbackErrors),
	)
	return cerr
}

// rollback runs every compensation in reverse order. Failures are collected
// and do not stop the remaining compensations.
func (m *Manager) rollback(ctx context.Context, tx *Transaction) []error {
	var errs []error
	for i := len(tx.rollback) - 1; i >= 0; i-- {
		c := tx.rollback[i]
		if err := c.undo(ctx); err != nil {
			m.logger.Warn("compensation failed",
				"txId", tx.ID,
				"op", c.op.Type,
				"entityType", c.op.EntityType,
				"entityId", c.op.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("undo %s %s: %w", c.op.Type, c.op.Ref(), err))
		}
	}
	tx.rollback = nil
	return errs
}

func (m *Manager) fail(tx *Transaction) {
	if err := tx.transition(StateFailed); err == nil {
		m.logger.Info("cascade failed", "txId", tx.ID, "operations", len(tx.Operations))
	}
}
