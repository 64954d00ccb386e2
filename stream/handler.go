// Package stream provides DynamoDB Streams handlers that keep caches and
// derived records consistent with the entity tables.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// Invalidator drops cached state for entity refs.
type Invalidator interface {
	Invalidate(ctx context.Context, refs ...string) error
}

// Handler processes DynamoDB stream events from entity and relationship tables.
type Handler struct {
	store       *store.Store
	invalidator Invalidator
	logger      *slog.Logger
}

// NewHandler creates a new stream handler. The store's registry is used to
// find the entities an item points at; purges are skipped without a store.
func NewHandler(s *store.Store, inv Invalidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       s,
		invalidator: inv,
		logger:      logger,
	}
}

// HandleStream invalidates every entity touched by the records and purges the
// derived records of entities expired by TTL.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	refs := h.affectedRefs(record)
	if len(refs) == 0 {
		return nil
	}

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx, refs...); err != nil {
			return fmt.Errorf("invalidate: %w", err)
		}
	}

	if expired(record) && h.store != nil {
		ref, _ := relation.ParseRef(getStringAttr(record.Change.OldImage, "entity_ref"))
		h.logger.Info("purging expired entity",
			"entityRef", ref.String(),
			"version", getNumberAttr(record.Change.OldImage, "version"),
		)
		if err := h.store.Purge(ctx, ref.Type, ConvertStreamImage(record.Change.OldImage)); err != nil {
			return fmt.Errorf("purge %s: %w", ref, err)
		}
	}

	h.logger.Debug("processed stream record",
		"eventName", record.EventName,
		"refs", refs,
	)
	return nil
}

// expired reports whether a record is the TTL deletion of a soft-removed entity.
func expired(record events.DynamoDBEventRecord) bool {
	if record.EventName != "REMOVE" {
		return false
	}
	old := record.Change.OldImage
	_, removed := old["deleted_at"]
	return removed && getStringAttr(old, "entity_ref") != ""
}

// affectedRefs returns the refs of the entities whose cached graphs a record
// changes: the entity itself and every entity its foreign keys point at,
// before and after the change. Relationship records affect both ends.
func (h *Handler) affectedRefs(record events.DynamoDBEventRecord) []string {
	var refs []string
	add := func(ref string) {
		if ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}

	for _, image := range []map[string]events.DynamoDBAttributeValue{record.Change.OldImage, record.Change.NewImage} {
		if source := getStringAttr(image, "source_ref"); source != "" {
			add(source)
			add(getStringAttr(image, "target_ref"))
			continue
		}
		ref, ok := relation.ParseRef(getStringAttr(image, "entity_ref"))
		if !ok {
			continue
		}
		add(ref.String())
		for _, fk := range h.foreignKeys(ref.Type, image) {
			add(fk.String())
		}
	}
	return refs
}

// foreignKeys resolves the join columns of an entity image against the registry.
func (h *Handler) foreignKeys(entityType string, image map[string]events.DynamoDBAttributeValue) []relation.Ref {
	if h.store == nil || h.store.Registry() == nil {
		return nil
	}
	var refs []relation.Ref
	for _, meta := range h.store.Registry().AllRelations() {
		if meta.JoinColumn == "" || meta.Type == relation.ManyToMany {
			continue
		}
		var other string
		switch {
		case meta.Entity == entityType && meta.HolderIsSource():
			other = meta.TargetEntity
		case meta.TargetEntity == entityType && !meta.HolderIsSource():
			other = meta.Entity
		default:
			continue
		}
		if fk := getStringAttr(image, meta.JoinColumn); fk != "" {
			refs = append(refs, relation.Ref{Type: other, ID: fk})
		}
	}
	return refs
}
