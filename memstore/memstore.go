// Package memstore provides an in-memory implementation of the lattice read
// and write primitives for tests and local development.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/relation"
)

// ErrAlreadyExists is returned when inserting an entity with an existing id.
var ErrAlreadyExists = errors.New("lattice: entity already exists")

type row struct {
	attrs   map[string]any
	removed bool
}

// Store keeps entities in memory, grouped by entity type.
type Store struct {
	mu    sync.RWMutex
	rows  map[string]map[string]*row
	links map[string]map[string][]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		rows:  make(map[string]map[string]*row),
		links: make(map[string]map[string][]string),
	}
}

// Put stores a record as-is, replacing any existing one.
func (s *Store) Put(rec *relation.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := maps.Clone(rec.Attrs)
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["id"] = rec.ID
	s.table(rec.Type)[rec.ID] = &row{attrs: attrs}
}

// Link records a many-to-many association for meta.
func (s *Store) Link(meta relation.Metadata, sourceID string, targetIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource, ok := s.links[meta.Key()]
	if !ok {
		bySource = make(map[string][]string)
		s.links[meta.Key()] = bySource
	}
	for _, id := range targetIDs {
		if !slices.Contains(bySource[sourceID], id) {
			bySource[sourceID] = append(bySource[sourceID], id)
		}
	}
}

// State reports whether an entity exists and whether it is soft-removed.
func (s *Store) State(entityType, id string) (exists, removed bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[entityType][id]
	if !ok {
		return false, false
	}
	return true, r.removed
}

// Len returns the number of stored entities of entityType, including soft-removed ones.
func (s *Store) Len(entityType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[entityType])
}

// Fetch returns one active entity.
func (s *Store) Fetch(_ context.Context, entityType, id string) (relation.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[entityType][id]
	if !ok || r.removed {
		return nil, relation.ErrNotFound
	}
	return toRecord(entityType, id, r), nil
}

// FetchMany returns the active entities among ids, in id order.
func (s *Store) FetchMany(_ context.Context, entityType string, ids []string) ([]relation.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relation.Entity
	for _, id := range ids {
		if r, ok := s.rows[entityType][id]; ok && !r.removed {
			out = append(out, toRecord(entityType, id, r))
		}
	}
	return out, nil
}

// FetchRelated resolves meta for every source id.
func (s *Store) FetchRelated(_ context.Context, meta relation.Metadata, sourceIDs []string) (map[string][]relation.Entity, error) {
	return s.related(meta, sourceIDs, false), nil
}

// FetchRelatedArchived resolves meta to soft-removed targets only.
func (s *Store) FetchRelatedArchived(_ context.Context, meta relation.Metadata, sourceIDs []string) (map[string][]relation.Entity, error) {
	return s.related(meta, sourceIDs, true), nil
}

func (s *Store) related(meta relation.Metadata, sourceIDs []string, removed bool) map[string][]relation.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]relation.Entity, len(sourceIDs))
	switch {
	case meta.Type == relation.ManyToMany:
		for _, src := range sourceIDs {
			for _, id := range s.links[meta.Key()][src] {
				if r, ok := s.rows[meta.TargetEntity][id]; ok && r.removed == removed {
					out[src] = append(out[src], toRecord(meta.TargetEntity, id, r))
				}
			}
		}

	case meta.HolderIsSource():
		for _, src := range sourceIDs {
			r, ok := s.rows[meta.Entity][src]
			if !ok {
				continue
			}
			fk, _ := r.attrs[meta.JoinColumn].(string)
			if t, ok := s.rows[meta.TargetEntity][fk]; ok && t.removed == removed {
				out[src] = append(out[src], toRecord(meta.TargetEntity, fk, t))
			}
		}

	default:
		wanted := make(map[string]bool, len(sourceIDs))
		for _, src := range sourceIDs {
			wanted[src] = true
		}
		targets := s.rows[meta.TargetEntity]
		for _, id := range slices.Sorted(maps.Keys(targets)) {
			r := targets[id]
			fk, _ := r.attrs[meta.JoinColumn].(string)
			if r.removed != removed || !wanted[fk] {
				continue
			}
			out[fk] = append(out[fk], toRecord(meta.TargetEntity, id, r))
		}
	}
	return out
}

// Insert stores a new entity. The id is taken from data["id"] or generated.
func (s *Store) Insert(_ context.Context, entityType string, data map[string]any) (string, error) {
	attrs := maps.Clone(data)
	if attrs == nil {
		attrs = map[string]any{}
	}
	id, _ := attrs["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	attrs["id"] = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table(entityType)[id]; ok {
		return "", fmt.Errorf("%w: %s#%s", ErrAlreadyExists, entityType, id)
	}
	s.table(entityType)[id] = &row{attrs: attrs}
	return id, nil
}

// Update merges data into an active entity.
func (s *Store) Update(_ context.Context, entityType, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entityType][id]
	if !ok || r.removed {
		return relation.ErrNotFound
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		r.attrs[k] = v
	}
	return nil
}

// Remove deletes an entity, soft-removed or not.
func (s *Store) Remove(_ context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[entityType][id]; !ok {
		return relation.ErrNotFound
	}
	delete(s.rows[entityType], id)
	return nil
}

// SoftRemove marks an entity as removed. Removing twice is a no-op.
func (s *Store) SoftRemove(_ context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entityType][id]
	if !ok {
		return relation.ErrNotFound
	}
	r.removed = true
	return nil
}

// Recover clears the soft-removed mark.
func (s *Store) Recover(_ context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entityType][id]
	if !ok {
		return relation.ErrNotFound
	}
	r.removed = false
	return nil
}

func (s *Store) table(entityType string) map[string]*row {
	t, ok := s.rows[entityType]
	if !ok {
		t = make(map[string]*row)
		s.rows[entityType] = t
	}
	return t
}

func toRecord(entityType, id string, r *row) *relation.Record {
	rec := relation.NewRecord(entityType, id, maps.Clone(r.attrs))
	rec.Archived, _ = r.attrs["archived"].(bool)
	return rec
}
