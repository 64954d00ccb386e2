package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/lattice/relation"
)

// LoadBatch resolves property for every entity with one grouped fetch per
// entity type and BatchSize chunk, instead of one fetch per entity. Targets
// are returned as leaf nodes; an entity related to itself is treated as a
// cycle. Nodes are returned in input order.
func (l *Loader) LoadBatch(ctx context.Context, entities []relation.Entity, property string, opts Options) ([]*Node, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	opts = opts.resolve(l.config)

	var types []string
	idsByType := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, e := range entities {
		ref := relation.RefOf(e)
		if _, ok := idsByType[ref.Type]; !ok {
			types = append(types, ref.Type)
		}
		if _, ok := seen[ref.String()]; ok {
			continue
		}
		seen[ref.String()] = struct{}{}
		idsByType[ref.Type] = append(idsByType[ref.Type], ref.ID)
	}

	metas := make(map[string]relation.Metadata, len(types))
	for _, t := range types {
		meta, ok := l.registry.Lookup(t, property)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, t, property)
		}
		metas[t] = meta
	}

	var mu sync.Mutex
	related := make(map[string]map[string][]relation.Entity, len(types))
	for _, t := range types {
		related[t] = make(map[string][]relation.Entity, len(idsByType[t]))
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(l.config.BatchWorkers)
	for _, t := range types {
		for _, chunk := range chunks(idsByType[t], opts.BatchSize) {
			meta := metas[t]
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := l.reader.FetchRelated(ctx, meta, chunk)
				if err != nil {
					return &LoadError{EntityType: meta.Entity, ID: strings.Join(chunk, ","), Relation: property, Err: err}
				}
				mu.Lock()
				defer mu.Unlock()
				for id, targets := range res {
					related[meta.Entity][id] = targets
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	nodes := make([]*Node, len(entities))
	for i, e := range entities {
		ref := relation.RefOf(e)
		n := &Node{Entity: project(e, opts.Fields), Ref: ref}
		children := make([]*Node, 0, len(related[ref.Type][ref.ID]))
		excluded := 0
		for _, target := range related[ref.Type][ref.ID] {
			tref := relation.RefOf(target)
			if tref != ref {
				children = append(children, &Node{Entity: project(target, opts.Fields), Ref: tref})
				continue
			}
			n.Cutoffs = append(n.Cutoffs, Cutoff{Relation: property, Target: tref, Reason: ReasonCycle, Strategy: opts.CircularStrategy})
			switch opts.CircularStrategy {
			case Truncate:
				children = append(children, &Node{Entity: project(target, opts.Fields), Ref: tref, Truncated: true})
			case Proxy:
				children = append(children, &Node{Ref: tref, Proxy: true, Reentry: l.deferEntity(tref, opts)})
			case Exclude:
				excluded++
			}
		}
		if len(children) > 0 || excluded == 0 {
			n.Relations = map[string][]*Node{property: children}
		}
		nodes[i] = n
	}

	l.logger.Debug("loaded relationship batch",
		"relation", property,
		"entities", len(entities),
		"types", len(types),
	)
	return nodes, nil
}

// chunks splits ids into slices of at most size elements.
func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
