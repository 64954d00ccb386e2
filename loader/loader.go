// Package loader resolves relationship graphs of entities under a loading
// strategy, bounding recursion with a per-call circular reference tracker and
// caching resolved subgraphs.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jacentio/lattice/cache"
	"github.com/jacentio/lattice/relation"
)

// Loader resolves relations declared in a Registry through a Reader.
type Loader struct {
	registry *relation.Registry
	reader   relation.Reader
	cache    *cache.Cache
	config   Config
	logger   *slog.Logger
	group    singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithCache enables subgraph caching.
func WithCache(c *cache.Cache) Option {
	return func(l *Loader) { l.cache = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a new Loader.
func New(registry *relation.Registry, reader relation.Reader, config Config, opts ...Option) *Loader {
	config.validate()
	l := &Loader{
		registry: registry,
		reader:   reader,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the loader configuration.
func (l *Loader) Config() Config {
	return l.config
}

// LoadRelationships resolves the relations of entity. circ, when non-nil,
// further bounds the depth and selects the stop strategy; its MaxDepth is
// used as-is, so 0 loads the root alone.
//
// Concurrent calls for the same entity and options share one load, which
// runs detached from any single caller's cancellation; each caller stops
// waiting when its own ctx is done. The returned graph may be shared with the
// cache and other callers and must not be modified.
func (l *Loader) LoadRelationships(ctx context.Context, entity relation.Entity, opts Options, circ *CircularConfig) (*Node, error) {
	opts = opts.resolve(l.config)
	limit := opts.MaxDepth
	if circ != nil {
		limit = min(limit, max(circ.MaxDepth, 0))
		if circ.Strategy != "" {
			opts.CircularStrategy = circ.Strategy
		}
	}

	w := &walk{
		loader:  l,
		opts:    opts,
		variant: fmt.Sprintf("%s:%s:%d", opts.Strategy, opts.CircularStrategy, opts.FanOutThreshold),
		tracker: NewTracker(opts.CircularStrategy),
	}
	ref := relation.RefOf(entity)
	key := w.key(ref, nil, limit)

	flight := key
	if opts.SkipCache {
		flight = "nocache:" + key
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	shareCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(flight, func() (any, error) {
		w.tracker.ShouldTraverse(ref, 0, limit)
		defer w.tracker.Leave(ref)
		return w.node(shareCtx, entity, 0, limit)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	node := res.Val.(*Node)
	shared := res.Shared

	elapsed := time.Since(start)
	l.logger.Debug("loaded relationships",
		"entityType", ref.Type,
		"entityId", ref.ID,
		"strategy", opts.Strategy,
		"maxDepth", limit,
		"nodes", node.SizeHint(),
		"shared", shared,
		"duration", elapsed,
	)
	if l.config.SlowLoadThreshold > 0 && elapsed > l.config.SlowLoadThreshold {
		l.logger.Warn("slow relationship load",
			"entityType", ref.Type,
			"entityId", ref.ID,
			"duration", elapsed,
		)
	}
	return node, nil
}

// walk is the state of one top-level load.
type walk struct {
	loader  *Loader
	opts    Options
	variant string
	tracker *Tracker
}

func (w *walk) key(ref relation.Ref, ancestors []string, remaining int) string {
	return w.loader.cacheKey(cache.KeyParts{
		EntityType: ref.Type,
		ID:         ref.ID,
		Path:       ancestors,
		Depth:      remaining,
		Fields:     w.opts.Fields,
		Variant:    w.variant,
	})
}

// node resolves entity at depth. The entity must already be entered in the
// tracker by the caller.
func (w *walk) node(ctx context.Context, entity relation.Entity, depth, limit int) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.loader
	ref := relation.RefOf(entity)
	key := w.key(ref, w.tracker.ancestors(), limit-depth)
	if n, ok := l.cached(key, w.opts); ok {
		return n, nil
	}

	n := &Node{Entity: project(entity, w.opts.Fields), Ref: ref}
	for _, meta := range l.registry.RelationsOf(ref.Type) {
		if err := w.relation(ctx, n, meta, depth, limit); err != nil {
			return nil, err
		}
	}

	if l.cache != nil && !w.opts.SkipCache {
		l.cache.SetTagged(key, n, w.opts.TTL, n.Refs()...)
	}
	return n, nil
}

// relation resolves or defers one relation of n.
func (w *walk) relation(ctx context.Context, n *Node, meta relation.Metadata, depth, limit int) error {
	l := w.loader
	strategy := w.opts.Strategy
	if meta.LoadingStrategy != "" {
		strategy = meta.LoadingStrategy
	}
	if strategy == relation.Lazy || (strategy == relation.Smart && fanOut(meta) >= w.opts.FanOutThreshold) {
		n.setDeferred(meta.Property, l.deferRelation(n.Ref, meta, w.opts))
		return nil
	}

	childLimit := limit
	if meta.CircularReferenceDepth > 0 {
		childLimit = min(limit, depth+meta.CircularReferenceDepth)
	}

	if d := w.tracker.CheckDepth(depth+1, childLimit); !d.Continue {
		n.Cutoffs = append(n.Cutoffs, Cutoff{Relation: meta.Property, Reason: d.Reason, Strategy: d.Strategy})
		switch d.Strategy {
		case Truncate:
			n.Truncated = true
		case Proxy:
			n.setDeferred(meta.Property, l.deferRelation(n.Ref, meta, w.opts))
		}
		return nil
	}

	related, err := l.reader.FetchRelated(ctx, meta, []string{n.Ref.ID})
	if err != nil {
		return &LoadError{EntityType: n.Ref.Type, ID: n.Ref.ID, Relation: meta.Property, Err: err}
	}

	targets := related[n.Ref.ID]
	children := make([]*Node, 0, len(targets))
	excluded := 0
	for _, target := range targets {
		tref := relation.RefOf(target)
		d := w.tracker.ShouldTraverse(tref, depth+1, childLimit)
		if d.Continue {
			child, err := w.node(ctx, target, depth+1, childLimit)
			w.tracker.Leave(tref)
			if err != nil {
				return err
			}
			children = append(children, child)
			continue
		}

		n.Cutoffs = append(n.Cutoffs, Cutoff{Relation: meta.Property, Target: tref, Reason: d.Reason, Strategy: d.Strategy})
		switch d.Strategy {
		case Truncate:
			children = append(children, &Node{Entity: project(target, w.opts.Fields), Ref: tref, Truncated: true})
		case Proxy:
			children = append(children, &Node{Ref: tref, Proxy: true, Reentry: l.deferEntity(tref, w.opts)})
		case Exclude:
			excluded++
		}
	}

	if len(children) == 0 && excluded > 0 {
		return nil
	}
	if n.Relations == nil {
		n.Relations = make(map[string][]*Node)
	}
	n.Relations[meta.Property] = children
	return nil
}

func (n *Node) setDeferred(property string, d *Deferred) {
	if n.Deferred == nil {
		n.Deferred = make(map[string]*Deferred)
	}
	n.Deferred[property] = d
}

// deferRelation returns a handle loading the targets of meta for ref, each
// through a fresh single-entity load.
func (l *Loader) deferRelation(ref relation.Ref, meta relation.Metadata, opts Options) *Deferred {
	return newDeferred(func(ctx context.Context) ([]*Node, error) {
		related, err := l.reader.FetchRelated(ctx, meta, []string{ref.ID})
		if err != nil {
			return nil, &LoadError{EntityType: ref.Type, ID: ref.ID, Relation: meta.Property, Err: err}
		}
		nodes := make([]*Node, 0, len(related[ref.ID]))
		for _, target := range related[ref.ID] {
			n, err := l.LoadRelationships(ctx, target, opts, nil)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return nodes, nil
	})
}

// deferEntity returns a handle re-entering the graph at ref.
func (l *Loader) deferEntity(ref relation.Ref, opts Options) *Deferred {
	return newDeferred(func(ctx context.Context) ([]*Node, error) {
		e, err := l.reader.Fetch(ctx, ref.Type, ref.ID)
		if err != nil {
			return nil, &LoadError{EntityType: ref.Type, ID: ref.ID, Err: err}
		}
		n, err := l.LoadRelationships(ctx, e, opts, nil)
		if err != nil {
			return nil, err
		}
		return []*Node{n}, nil
	})
}

func (l *Loader) cacheKey(p cache.KeyParts) string {
	if l.cache == nil {
		return cache.Key(cache.DefaultConfig().KeyPrefix, p)
	}
	return l.cache.Key(p)
}

// cached returns a cached subgraph. Values of any other type are ignored.
func (l *Loader) cached(key string, opts Options) (*Node, bool) {
	if l.cache == nil || opts.SkipCache {
		return nil, false
	}
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}
	n, ok := v.(*Node)
	return n, ok && n != nil
}

// fanOut estimates the number of targets per source.
func fanOut(meta relation.Metadata) int {
	if !meta.Type.ToMany() {
		return 1
	}
	if meta.EstimatedFanOut <= 0 {
		return math.MaxInt
	}
	return meta.EstimatedFanOut
}

// project restricts Record attributes to fields.
func project(e relation.Entity, fields []string) relation.Entity {
	rec, ok := e.(*relation.Record)
	if !ok || len(fields) == 0 {
		return e
	}
	attrs := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := rec.Attrs[f]; ok {
			attrs[f] = v
		}
	}
	return &relation.Record{Type: rec.Type, ID: rec.ID, Attrs: attrs, Archived: rec.Archived}
}
