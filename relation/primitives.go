package relation

import "context"

// Reader is the external entity read primitive.
type Reader interface {
	// Fetch returns one entity, or ErrNotFound.
	Fetch(ctx context.Context, entityType, id string) (Entity, error)

	// FetchMany returns the entities that exist among ids. Missing ids are skipped.
	FetchMany(ctx context.Context, entityType string, ids []string) ([]Entity, error)

	// FetchRelated resolves one relation for many source entities in a single
	// grouped call. The result maps each source id to its targets.
	FetchRelated(ctx context.Context, meta Metadata, sourceIDs []string) (map[string][]Entity, error)
}

// Writer is the external entity write primitive.
type Writer interface {
	Insert(ctx context.Context, entityType string, data map[string]any) (string, error)
	Update(ctx context.Context, entityType, id string, data map[string]any) error
	Remove(ctx context.Context, entityType, id string) error
	SoftRemove(ctx context.Context, entityType, id string) error
	Recover(ctx context.Context, entityType, id string) error
}

// ArchiveReader is implemented by readers that can resolve soft-removed
// targets, which Reader.FetchRelated never returns.
type ArchiveReader interface {
	FetchRelatedArchived(ctx context.Context, meta Metadata, sourceIDs []string) (map[string][]Entity, error)
}

// Store combines both primitives.
type Store interface {
	Reader
	Writer
}
