package relation

import (
	"fmt"
	"slices"
	"strings"
)

// Type is the cardinality of a relation.
type Type string

const (
	OneToOne   Type = "one-to-one"
	OneToMany  Type = "one-to-many"
	ManyToOne  Type = "many-to-one"
	ManyToMany Type = "many-to-many"
)

// Valid reports whether t is a known relation type.
func (t Type) Valid() bool {
	switch t {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
		return true
	}
	return false
}

// ToMany reports whether the relation can resolve to more than one target.
func (t Type) ToMany() bool {
	return t == OneToMany || t == ManyToMany
}

// Op is a write operation that may cascade across relations.
type Op string

const (
	OpInsert     Op = "insert"
	OpUpdate     Op = "update"
	OpRemove     Op = "remove"
	OpSoftRemove Op = "soft-remove"
	OpRecover    Op = "recover"
)

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpRemove, OpSoftRemove, OpRecover:
		return true
	}
	return false
}

// OpSet is a set of cascade operations.
type OpSet map[Op]struct{}

// Ops builds an OpSet.
func Ops(ops ...Op) OpSet {
	s := make(OpSet, len(ops))
	for _, o := range ops {
		s[o] = struct{}{}
	}
	return s
}

// Has reports whether op is in the set.
func (s OpSet) Has(op Op) bool {
	_, ok := s[op]
	return ok
}

// Sorted returns the operations in lexical order.
func (s OpSet) Sorted() []Op {
	out := make([]Op, 0, len(s))
	for o := range s {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// Strategy is a relationship loading strategy.
type Strategy string

const (
	Eager Strategy = "eager"
	Lazy  Strategy = "lazy"
	Smart Strategy = "smart"
	Batch Strategy = "batch"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case Eager, Lazy, Smart, Batch:
		return true
	}
	return false
}

// Metadata describes one relation declared on an entity type.
type Metadata struct {
	// Entity is the declaring entity type (e.g., "order").
	Entity string

	// Property is the relation name on the declaring type (e.g., "items").
	Property string

	Type Type

	// TargetEntity is the related entity type (e.g., "order_item").
	TargetEntity string

	// IsOwner is true when the declaring side holds the foreign key.
	IsOwner bool

	// Cascade lists the operations that propagate through this relation.
	Cascade OpSet

	// LoadingStrategy overrides the loader's strategy for this relation when set.
	LoadingStrategy Strategy

	// CircularReferenceDepth overrides the traversal depth below this relation (0 = inherit).
	CircularReferenceDepth int

	// JoinColumn is the foreign key attribute on the holder side
	// (the declaring entity when IsOwner, the target otherwise).
	JoinColumn string

	// JoinTable and InverseJoinColumn describe the link table of a many-to-many
	// relation. JoinColumn then references the declaring entity.
	JoinTable         string
	InverseJoinColumn string

	// EstimatedFanOut is the expected number of targets per source (0 = unknown).
	EstimatedFanOut int

	// Required makes the validator reject entities without a related target.
	Required bool
}

// Key returns "entity.property".
func (m Metadata) Key() string {
	return m.Entity + "." + m.Property
}

// CascadesOn reports whether op propagates through the relation.
func (m Metadata) CascadesOn(op Op) bool {
	return m.Cascade.Has(op)
}

// HolderIsSource reports whether the declaring entity holds the foreign key.
// Many-to-many relations have no holder and report false.
func (m Metadata) HolderIsSource() bool {
	return m.IsOwner && m.Type != ManyToMany
}

func (m Metadata) validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Entity: m.Entity, Property: m.Property, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(m.Entity) == "" {
		return fail("entity is required")
	}
	if strings.TrimSpace(m.Property) == "" {
		return fail("property is required")
	}
	if !m.Type.Valid() {
		return fail("unknown relation type %q", m.Type)
	}
	if strings.TrimSpace(m.TargetEntity) == "" {
		return fail("target entity is required")
	}
	for _, name := range []string{m.Entity, m.Property, m.TargetEntity} {
		if strings.Contains(name, ".") {
			return fail("name %q must not contain '.'", name)
		}
	}
	for op := range m.Cascade {
		if !op.Valid() {
			return fail("unknown cascade operation %q", op)
		}
	}
	if m.LoadingStrategy != "" && !m.LoadingStrategy.Valid() {
		return fail("unknown loading strategy %q", m.LoadingStrategy)
	}
	if m.CircularReferenceDepth < 0 {
		return fail("circular reference depth must be >= 0")
	}
	if m.Type == ManyToMany && m.JoinTable != "" && (m.JoinColumn == "" || m.InverseJoinColumn == "") {
		return fail("join table %q needs join and inverse join columns", m.JoinTable)
	}
	return nil
}
