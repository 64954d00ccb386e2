// Package relation defines the entity model, relationship metadata and the
// metadata registry shared by every other lattice package.
//
// Lattice loads, caches, validates and cascades operations across graphs of
// related entities without depending on a particular persistence layer.
// Persistence is reached through the [Reader] and [Writer] primitives.
//
// # Entity Interfaces
//
// Any type can take part in a relationship graph by implementing [Entity]:
//
//	type Entity interface {
//	    EntityType() string
//	    EntityID() string
//	}
//
// Optional capabilities extend what the engine can do with an entity:
//
//   - [Attributer] supplies the write payload for insert and update.
//   - [Linker] exposes in-memory related entities (used before persistence).
//   - [Archivable] reports the active status of an entity.
//
// [Record] implements all of them and is what the bundled stores return.
//
// # Registry
//
// Relations are declared once at startup:
//
//	reg := relation.NewRegistry()
//	reg.MustRegister(relation.Metadata{
//	    Entity:       "order",
//	    Property:     "items",
//	    Type:         relation.OneToMany,
//	    TargetEntity: "order_item",
//	    JoinColumn:   "order_id",
//	    Cascade:      relation.Ops(relation.OpRemove),
//	})
//	if err := reg.Seal(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
//   - [ErrNotFound] - entity doesn't exist or is soft-removed
//   - [ErrRegistrySealed] - registration after startup
//   - [ConfigurationError] - duplicate, conflicting or unresolved metadata
package relation
