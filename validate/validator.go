// Package validate enforces relationship integrity rules before mutating
// operations.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jacentio/lattice/relation"
)

// CycleRule names results produced by circular reference validation.
const CycleRule = "circular-reference"

// Validator evaluates rules against entities and their related entities.
type Validator struct {
	registry *relation.Registry
	reader   relation.Reader
	config   Config
	rules    []Rule
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRules adds rules.
func WithRules(rules ...Rule) Option {
	return func(v *Validator) { v.rules = append(v.rules, rules...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a new Validator. reader may be nil when entities carry their
// related entities through relation.Linker.
func New(registry *relation.Registry, reader relation.Reader, config Config, opts ...Option) *Validator {
	config.validate()
	v := &Validator{
		registry: registry,
		reader:   reader,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Config returns the validator configuration.
func (v *Validator) Config() Config {
	return v.config
}

// Validate evaluates every rule for entity and reports failures of both
// severities. Relations marked Required in the registry are checked as well.
func (v *Validator) Validate(ctx context.Context, entity relation.Entity) ([]Result, error) {
	ref := relation.RefOf(entity)
	related := make(map[string][]relation.Entity)
	for _, meta := range v.registry.RelationsOf(ref.Type) {
		if !v.needs(meta) {
			continue
		}
		targets, err := v.related(ctx, entity, meta)
		if err != nil {
			return nil, err
		}
		related[meta.Property] = targets
	}

	var results []Result
	for _, meta := range v.registry.RelationsOf(ref.Type) {
		if meta.Required && len(related[meta.Property]) == 0 {
			results = append(results, Result{
				Rule:     "required-relation",
				Entity:   ref,
				Relation: meta.Property,
				Message:  fmt.Sprintf("%s.%s is required", meta.Entity, meta.Property),
				Severity: SeverityError,
			})
		}
	}

	for _, rule := range v.rules {
		if !rule.applies(ref.Type) || rule.Check == nil {
			continue
		}
		if rule.Relation != "" {
			targets := related[rule.Relation]
			if len(targets) == 0 {
				results = appendFailure(results, rule, entity, nil, rule.Relation)
			}
			for _, t := range targets {
				results = appendFailure(results, rule, entity, t, rule.Relation)
			}
			continue
		}

		results = appendFailure(results, rule, entity, nil, "")
		for _, meta := range v.registry.RelationsOf(ref.Type) {
			for _, t := range related[meta.Property] {
				results = appendFailure(results, rule, entity, t, meta.Property)
			}
		}
	}
	return results, nil
}

func appendFailure(results []Result, rule Rule, entity, related relation.Entity, property string) []Result {
	if rule.Check(entity, related) {
		return results
	}
	r := Result{
		Rule:     rule.Name,
		Entity:   relation.RefOf(entity),
		Relation: property,
		Message:  rule.Message,
		Severity: rule.severity(),
	}
	if related != nil {
		rr := relation.RefOf(related)
		r.Related = &rr
	}
	return append(results, r)
}

// needs reports whether Validate must resolve meta.
func (v *Validator) needs(meta relation.Metadata) bool {
	if meta.Required {
		return true
	}
	for _, rule := range v.rules {
		if rule.applies(meta.Entity) && (rule.Relation == "" || rule.Relation == meta.Property) {
			return true
		}
	}
	return false
}

// related returns the targets of meta, preferring in-memory links.
func (v *Validator) related(ctx context.Context, entity relation.Entity, meta relation.Metadata) ([]relation.Entity, error) {
	if l, ok := entity.(relation.Linker); ok {
		if linked := l.Linked(meta.Property); linked != nil {
			return linked, nil
		}
	}
	if v.reader == nil {
		return nil, nil
	}
	id := entity.EntityID()
	res, err := v.reader.FetchRelated(ctx, meta, []string{id})
	if err != nil {
		return nil, fmt.Errorf("lattice: validate %s#%s.%s: %w", meta.Entity, id, meta.Property, err)
	}
	return res[id], nil
}

// ValidateCircularReferences reports whether entity is free of reference
// cycles within MaxDepth hops. visited holds the refs already on the caller's
// path with their depth; entries added during the walk are removed before
// returning. Only relations whose declaring side holds the foreign key are
// followed. A lookup failure is reported as unsafe.
func (v *Validator) ValidateCircularReferences(ctx context.Context, entity relation.Entity, visited map[string]int, depth int) bool {
	if visited == nil {
		visited = make(map[string]int)
	}
	path, err := v.findCycle(ctx, entity, visited, nil, depth)
	if err != nil {
		v.logger.Warn("circular reference check failed",
			"entityType", entity.EntityType(),
			"entityId", entity.EntityID(),
			"error", err,
		)
		return false
	}
	return path == nil
}

// FindCycle returns the refs of the first reference cycle reachable from
// entity, starting and ending with the repeated ref, or nil.
func (v *Validator) FindCycle(ctx context.Context, entity relation.Entity) ([]string, error) {
	return v.findCycle(ctx, entity, make(map[string]int), nil, 0)
}

func (v *Validator) findCycle(ctx context.Context, entity relation.Entity, visited map[string]int, path []string, depth int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > v.config.MaxDepth {
		return nil, nil
	}
	key := relation.RefOf(entity).String()
	if seen, ok := visited[key]; ok && seen <= depth {
		start := max(slices.Index(path, key), 0)
		return append(slices.Clone(path[start:]), key), nil
	}

	visited[key] = depth
	defer delete(visited, key)
	path = append(path, key)

	for _, meta := range v.registry.RelationsOf(entity.EntityType()) {
		if !meta.HolderIsSource() {
			continue
		}
		targets, err := v.related(ctx, entity, meta)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			cycle, err := v.findCycle(ctx, t, visited, path, depth+1)
			if err != nil || cycle != nil {
				return cycle, err
			}
		}
	}
	return nil, nil
}

// Check validates entity ahead of op. It does nothing when op is not
// enforced. Warnings are returned with a nil error; any error-severity
// result yields a *ValidationFailure alongside all results.
func (v *Validator) Check(ctx context.Context, entity relation.Entity, op relation.Op) ([]Result, error) {
	if !v.config.Enforced(op) {
		return nil, nil
	}

	results, err := v.Validate(ctx, entity)
	if err != nil {
		return nil, err
	}

	if v.config.ValidateCircularReferences {
		path, err := v.FindCycle(ctx, entity)
		if err != nil {
			return nil, err
		}
		if path != nil {
			results = append(results, Result{
				Rule:     CycleRule,
				Entity:   relation.RefOf(entity),
				Path:     path,
				Message:  "circular reference detected",
				Severity: SeverityError,
			})
		}
	}

	if errs := Errors(results); len(errs) > 0 {
		ref := relation.RefOf(entity)
		v.logger.Info("validation rejected operation",
			"entityType", ref.Type,
			"entityId", ref.ID,
			"op", op,
			"failures", len(errs),
		)
		return results, &ValidationFailure{Entity: ref, Op: op, Results: errs}
	}
	return results, nil
}
