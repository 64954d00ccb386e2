package cascade

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jacentio/lattice/relation"
)

// Step is one entry of an operation graph.
type Step struct {
	Entity relation.Entity
	Op     relation.Op

	// Order is the dependency level: every step depends only on steps with
	// a lower order.
	Order int

	// DependsOn lists the refs that must be written before this step.
	DependsOn []string
}

// Ref returns the ref of the step's entity.
func (s Step) Ref() relation.Ref {
	return relation.RefOf(s.Entity)
}

type graphNode struct {
	entity relation.Entity
	index  int
	depth  int
	deps   []string
	order  int
	state  int
}

// BuildOperationGraph walks the relations of root that cascade op, up to
// MaxOperationDepth hops, and returns every reached entity once, ordered by
// dependency level and then by discovery. For insert, update and recover the
// referenced side of a foreign key comes before the side holding it; for
// remove and soft-remove the holder comes first. Many-to-many relations
// impose no order.
func (m *Manager) BuildOperationGraph(ctx context.Context, root relation.Entity, op relation.Op) ([]Step, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("lattice: unknown operation %q", op)
	}
	if !m.config.Enabled {
		return []Step{{Entity: root, Op: op}}, nil
	}

	nodes := make(map[string]*graphNode)
	var discovered []*graphNode
	add := func(e relation.Entity, depth int) (*graphNode, bool) {
		key := relation.RefOf(e).String()
		if n, ok := nodes[key]; ok {
			return n, false
		}
		n := &graphNode{entity: e, index: len(discovered), depth: depth}
		nodes[key] = n
		discovered = append(discovered, n)
		return n, true
	}
	dependOn := func(n *graphNode, on string) {
		if !slices.Contains(n.deps, on) {
			n.deps = append(n.deps, on)
		}
	}

	first, _ := add(root, 0)
	queue := []*graphNode{first}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := queue[0]
		queue = queue[1:]
		if n.depth >= m.config.MaxOperationDepth {
			continue
		}

		src := relation.RefOf(n.entity)
		for _, meta := range m.registry.RelationsOf(src.Type) {
			if !meta.CascadesOn(op) {
				continue
			}
			targets, err := m.related(ctx, n.entity, meta, op)
			if err != nil {
				return nil, err
			}
			for _, t := range targets {
				tn, fresh := add(t, n.depth+1)
				if fresh {
					queue = append(queue, tn)
				}
				if meta.Type == relation.ManyToMany || tn == n {
					continue
				}
				holder, referenced := tn, n
				if meta.HolderIsSource() {
					holder, referenced = n, tn
				}
				switch op {
				case relation.OpRemove, relation.OpSoftRemove:
					dependOn(referenced, relation.RefOf(holder.entity).String())
				default:
					dependOn(holder, relation.RefOf(referenced.entity).String())
				}
			}
		}
	}

	for _, n := range discovered {
		if err := level(n, nodes); err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(discovered, func(a, b *graphNode) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})

	steps := make([]Step, len(discovered))
	for i, n := range discovered {
		steps[i] = Step{Entity: n.entity, Op: op, Order: n.order, DependsOn: n.deps}
	}
	return steps, nil
}

const (
	unvisited = iota
	visiting
	done
)

// level assigns n the length of its longest dependency chain.
func level(n *graphNode, nodes map[string]*graphNode) error {
	switch n.state {
	case done:
		return nil
	case visiting:
		return fmt.Errorf("%w at %s", ErrDependencyCycle, relation.RefOf(n.entity))
	}
	n.state = visiting
	for _, dep := range n.deps {
		d := nodes[dep]
		if err := level(d, nodes); err != nil {
			return err
		}
		n.order = max(n.order, d.order+1)
	}
	n.state = done
	return nil
}

// related returns the targets of meta for entity, preferring in-memory
// links. Recover resolves soft-removed targets when the reader supports it.
func (m *Manager) related(ctx context.Context, entity relation.Entity, meta relation.Metadata, op relation.Op) ([]relation.Entity, error) {
	if l, ok := entity.(relation.Linker); ok {
		if linked := l.Linked(meta.Property); linked != nil {
			return linked, nil
		}
	}
	if op == relation.OpInsert {
		return nil, nil
	}

	id := entity.EntityID()
	fetch := m.store.FetchRelated
	if ar, ok := m.store.(relation.ArchiveReader); ok && op == relation.OpRecover {
		fetch = ar.FetchRelatedArchived
	}
	res, err := fetch(ctx, meta, []string{id})
	if err != nil {
		return nil, fmt.Errorf("lattice: cascade %s#%s.%s: %w", meta.Entity, id, meta.Property, err)
	}
	return res[id], nil
}
