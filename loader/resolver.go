package loader

import (
	"fmt"
	"maps"
	"slices"

	"github.com/jacentio/lattice/relation"
)

// CycleStrategy decides what happens where traversal stops.
type CycleStrategy string

const (
	// Truncate returns the entity without further relation expansion.
	Truncate CycleStrategy = "truncate"

	// Proxy returns an identity-only placeholder with a lazy re-entry handle.
	Proxy CycleStrategy = "proxy"

	// Exclude omits the relation from the result.
	Exclude CycleStrategy = "exclude"
)

// ParseCycleStrategy parses a strategy name.
func ParseCycleStrategy(s string) (CycleStrategy, error) {
	switch CycleStrategy(s) {
	case Truncate, Proxy, Exclude:
		return CycleStrategy(s), nil
	}
	return "", fmt.Errorf("lattice: unknown circular reference strategy %q", s)
}

// CircularConfig bounds one top-level load.
type CircularConfig struct {
	MaxDepth int
	Strategy CycleStrategy
}

// Reason explains why traversal stopped.
type Reason string

const (
	ReasonDepth Reason = "depth"
	ReasonCycle Reason = "cycle"
)

// Decision is the outcome of ShouldTraverse.
type Decision struct {
	Continue bool
	Reason   Reason
	Strategy CycleStrategy
}

// Tracker is the circular reference resolver of one top-level load. It
// holds the entities on the current traversal path; Leave pops them as the
// recursion unwinds, so visited state never spans independent paths or calls.
type Tracker struct {
	strategy CycleStrategy
	visited  map[string]int
	path     []string
}

// NewTracker creates a tracker applying strategy at every stop.
func NewTracker(strategy CycleStrategy) *Tracker {
	if strategy == "" {
		strategy = Truncate
	}
	return &Tracker{
		strategy: strategy,
		visited:  make(map[string]int),
	}
}

// Strategy returns the stop strategy.
func (t *Tracker) Strategy() CycleStrategy {
	return t.strategy
}

// CheckDepth stops when depth exceeds maxDepth.
func (t *Tracker) CheckDepth(depth, maxDepth int) Decision {
	if depth > maxDepth {
		return Decision{Reason: ReasonDepth, Strategy: t.strategy}
	}
	return Decision{Continue: true}
}

// ShouldTraverse decides whether ref at depth may be expanded. A ref already
// on the current path is a cycle regardless of maxDepth. On continue the ref
// is recorded and must be released with Leave.
func (t *Tracker) ShouldTraverse(ref relation.Ref, depth, maxDepth int) Decision {
	if d := t.CheckDepth(depth, maxDepth); !d.Continue {
		return d
	}
	key := ref.String()
	if seen, ok := t.visited[key]; ok && seen <= depth {
		return Decision{Reason: ReasonCycle, Strategy: t.strategy}
	}
	t.visited[key] = depth
	t.path = append(t.path, key)
	return Decision{Continue: true}
}

// Leave releases ref when its expansion finished.
func (t *Tracker) Leave(ref relation.Ref) {
	key := ref.String()
	delete(t.visited, key)
	if n := len(t.path); n > 0 && t.path[n-1] == key {
		t.path = t.path[:n-1]
	}
}

// Visited returns a copy of the current path's ref -> depth map.
func (t *Tracker) Visited() map[string]int {
	return maps.Clone(t.visited)
}

// Path returns the refs on the current path, root first.
func (t *Tracker) Path() []string {
	return slices.Clone(t.path)
}

// ancestors returns the sorted refs on the path excluding the last one.
func (t *Tracker) ancestors() []string {
	if len(t.path) == 0 {
		return nil
	}
	out := slices.Clone(t.path[:len(t.path)-1])
	slices.Sort(out)
	return out
}
