package relation

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry holds all known relation metadata, keyed by entity type.
// It is populated during startup and read-only once sealed.
type Registry struct {
	mu        sync.RWMutex
	relations []Metadata
	byEntity  map[string][]Metadata
	byKey     map[string]Metadata
	types     map[string]struct{}
	sealed    bool
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byEntity: make(map[string][]Metadata),
		byKey:    make(map[string]Metadata),
		types:    make(map[string]struct{}),
	}
}

// RegisterType declares an entity type without relations so that it can be
// used as a relation target.
func (r *Registry) RegisterType(entityTypes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	for _, t := range entityTypes {
		if strings.TrimSpace(t) == "" || strings.Contains(t, ".") {
			return &ConfigurationError{Entity: t, Reason: "invalid entity type name"}
		}
	}
	for _, t := range entityTypes {
		r.types[t] = struct{}{}
	}
	return nil
}

// Register adds relation metadata. Registering the same (entity, property)
// again with an identical relation type is a no-op; a conflicting type is a
// ConfigurationError.
func (r *Registry) Register(meta Metadata) error {
	if err := meta.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}

	if existing, ok := r.byKey[meta.Key()]; ok {
		if existing.Type != meta.Type || existing.TargetEntity != meta.TargetEntity {
			return &ConfigurationError{
				Entity:   meta.Entity,
				Property: meta.Property,
				Reason: fmt.Sprintf("already registered as %s -> %s, got %s -> %s",
					existing.Type, existing.TargetEntity, meta.Type, meta.TargetEntity),
			}
		}
		return nil
	}

	r.relations = append(r.relations, meta)
	r.byEntity[meta.Entity] = append(r.byEntity[meta.Entity], meta)
	r.byKey[meta.Key()] = meta
	r.types[meta.Entity] = struct{}{}
	return nil
}

// MustRegister is Register for static declarations; it panics on error.
func (r *Registry) MustRegister(metas ...Metadata) {
	for _, m := range metas {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Validate checks that every relation target resolves to a known type.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.relations {
		if _, ok := r.types[m.TargetEntity]; !ok {
			return &ConfigurationError{
				Entity:   m.Entity,
				Property: m.Property,
				Reason:   fmt.Sprintf("target entity %q is not registered", m.TargetEntity),
			}
		}
	}
	return nil
}

// Seal validates the registry and ends the registration phase.
func (r *Registry) Seal() error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
	return nil
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the metadata of entityType.property.
func (r *Registry) Lookup(entityType, property string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKey[entityType+"."+property]
	return m, ok
}

// RelationsOf returns the relations declared on entityType in registration order.
func (r *Registry) RelationsOf(entityType string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byEntity[entityType])
}

// AllRelations returns all registered relations.
func (r *Registry) AllRelations() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.relations)
}

// Types returns every known entity type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// BuildHierarchy maps each parent type to its child types, where the child is
// the side holding the foreign key. Many-to-many relations are not
// hierarchical and are skipped. With no entityTypes all relations are used;
// otherwise only relations between the given types.
func (r *Registry) BuildHierarchy(entityTypes ...string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	include := func(string) bool { return true }
	if len(entityTypes) > 0 {
		include = func(t string) bool { return slices.Contains(entityTypes, t) }
	}

	out := make(map[string][]string)
	for _, m := range r.relations {
		if m.Type == ManyToMany || !include(m.Entity) || !include(m.TargetEntity) {
			continue
		}
		parent, child := m.Entity, m.TargetEntity
		if m.IsOwner {
			parent, child = m.TargetEntity, m.Entity
		}
		if parent == child || slices.Contains(out[parent], child) {
			continue
		}
		out[parent] = append(out[parent], child)
	}
	return out
}
