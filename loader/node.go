package loader

import (
	"context"
	"sync"

	"github.com/jacentio/lattice/relation"
)

// Node is one entity of a resolved relationship graph. Nodes are shared
// through the cache and must be treated as read-only.
type Node struct {
	// Entity is nil for proxy placeholders.
	Entity relation.Entity
	Ref    relation.Ref

	// Relations holds resolved relations by property.
	Relations map[string][]*Node

	// Deferred holds relations left for later resolution.
	Deferred map[string]*Deferred

	// Truncated is set when relation expansion stopped at this node.
	Truncated bool

	// Proxy marks an identity-only placeholder; Reentry loads the entity.
	Proxy   bool
	Reentry *Deferred

	// Cutoffs records where traversal was stopped below this node.
	Cutoffs []Cutoff
}

// Cutoff describes one stopped traversal.
type Cutoff struct {
	Relation string
	Target   relation.Ref
	Reason   Reason
	Strategy CycleStrategy
}

// Err returns ErrCycleExceeded.
func (c Cutoff) Err() error {
	return ErrCycleExceeded
}

// Related returns the resolved targets of property.
func (n *Node) Related(property string) []*Node {
	return n.Relations[property]
}

// Has reports whether property was resolved.
func (n *Node) Has(property string) bool {
	_, ok := n.Relations[property]
	return ok
}

// Depth returns the height of the resolved graph below n (0 for a leaf).
func (n *Node) Depth() int {
	d := 0
	for _, targets := range n.Relations {
		for _, t := range targets {
			if td := t.Depth() + 1; td > d {
				d = td
			}
		}
	}
	return d
}

// Walk visits n and every resolved node below it, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, targets := range n.Relations {
		for _, t := range targets {
			t.Walk(fn)
		}
	}
}

// SizeHint returns the number of nodes in the graph.
func (n *Node) SizeHint() int {
	count := 0
	n.Walk(func(*Node) { count++ })
	return count
}

// Refs returns the distinct refs contained in the graph.
func (n *Node) Refs() []string {
	seen := make(map[string]struct{})
	var out []string
	n.Walk(func(x *Node) {
		key := x.Ref.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	})
	return out
}

// Deferred is a lazily resolved set of nodes. Resolve is safe for
// concurrent use; a successful result is memoized, a failure is not.
type Deferred struct {
	mu      sync.Mutex
	done    bool
	nodes   []*Node
	resolve func(context.Context) ([]*Node, error)
}

func newDeferred(fn func(context.Context) ([]*Node, error)) *Deferred {
	return &Deferred{resolve: fn}
}

// Resolve loads the nodes on first use.
func (d *Deferred) Resolve(ctx context.Context) ([]*Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return d.nodes, nil
	}
	nodes, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}
	d.nodes, d.done = nodes, true
	return nodes, nil
}

// Resolved reports whether Resolve has succeeded.
func (d *Deferred) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
