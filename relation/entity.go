package relation

import (
	"maps"
	"strings"
)

// Entity is the base interface for every type that participates in a
// relationship graph.
type Entity interface {
	// EntityType returns the entity type name (e.g., "order").
	EntityType() string

	// EntityID returns the identity of the entity within its type.
	EntityID() string
}

// Attributer is implemented by entities that carry a write payload.
type Attributer interface {
	Attributes() map[string]any
}

// Linker is implemented by entities that hold their related entities in memory.
// A nil result means the relation is not populated and must be fetched.
type Linker interface {
	Linked(property string) []Entity
}

// Archivable is implemented by entities with an active/archived status.
type Archivable interface {
	IsArchived() bool
}

// Ref addresses an entity by type and id.
type Ref struct {
	Type string
	ID   string
}

// RefOf returns the reference of an entity.
func RefOf(e Entity) Ref {
	return Ref{Type: e.EntityType(), ID: e.EntityID()}
}

// String returns the type-qualified reference (e.g., "order#42").
func (r Ref) String() string {
	return r.Type + "#" + r.ID
}

// ParseRef parses a "type#id" reference.
func ParseRef(s string) (Ref, bool) {
	typ, id, ok := strings.Cut(s, "#")
	if !ok || typ == "" || id == "" {
		return Ref{}, false
	}
	return Ref{Type: typ, ID: id}, true
}

// Record is a generic entity backed by an attribute map.
type Record struct {
	Type     string
	ID       string
	Attrs    map[string]any
	Links    map[string][]Entity
	Archived bool
}

// NewRecord creates a record with the given attributes.
func NewRecord(entityType, id string, attrs map[string]any) *Record {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &Record{Type: entityType, ID: id, Attrs: attrs}
}

func (r *Record) EntityType() string { return r.Type }
func (r *Record) EntityID() string   { return r.ID }
func (r *Record) IsArchived() bool   { return r.Archived }

// Attributes returns a copy of the record attributes.
func (r *Record) Attributes() map[string]any {
	return maps.Clone(r.Attrs)
}

// Linked returns the in-memory related entities for property.
func (r *Record) Linked(property string) []Entity {
	if r.Links == nil {
		return nil
	}
	return r.Links[property]
}

// Link attaches related entities under property.
func (r *Record) Link(property string, related ...Entity) *Record {
	if r.Links == nil {
		r.Links = make(map[string][]Entity)
	}
	r.Links[property] = append(r.Links[property], related...)
	return r
}

// StringAttr returns the attribute value as a string, or "" if absent.
func (r *Record) StringAttr(attr string) string {
	switch v := r.Attrs[attr].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// AttributesOf returns the write payload of an entity, or nil.
func AttributesOf(e Entity) map[string]any {
	if a, ok := e.(Attributer); ok {
		return a.Attributes()
	}
	return nil
}

// IsActive reports whether an entity is not archived.
func IsActive(e Entity) bool {
	if a, ok := e.(Archivable); ok {
		return !a.IsArchived()
	}
	return true
}
