// Package store implements the lattice read and write primitives on DynamoDB.
//
// Each entity type lives in its own table, named TablePrefix + type, keyed by
// "id". Items carry managed attributes next to the entity's own:
//
//	entity_ref  "type#id"
//	version     incremented on every write
//	created_at  RFC 3339 timestamp
//	updated_at  RFC 3339 timestamp
//	deleted_at  set while the entity is soft-removed
//	ttl         purge time of a soft-removed entity
//
// # Relations
//
// Relations whose declaring side holds the foreign key are resolved by
// reading the join column. Inverse and many-to-many relations are resolved
// through the relationship table, which holds one record per link:
//
//	pk          "source#id/property#shard"
//	target_ref  "type#id"
//	source_ref  "type#id"
//	relation    "entity.property"
//
// Inverse records are maintained on Insert, Update and Remove when the store
// has a [relation.Registry]. Many-to-many records are written with
// [Store.Link] and [Store.Unlink].
//
// # Configuration
//
// Use [DefaultConfig] for small datasets (NumShards=1, single queries).
// Increase NumShards for partitions with many links:
//
//	cfg := store.DefaultConfig()
//	cfg.NumShards = 16
//
// # Errors
//
//   - [ErrNotFound] - entity doesn't exist or is soft-removed
//   - [ErrParentNotFound] - a foreign key references a missing entity
//   - [ErrAlreadyExists] - entity with id already exists
//   - [ErrConcurrentModification] - entity changed during an update
//   - [ErrDuplicateValue] - unique constraint violated
package store
