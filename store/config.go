package store

import (
	"time"

	"github.com/jacentio/lattice/internal/shard"
)

// Config holds configuration for the Store.
type Config struct {
	// TablePrefix is prepended to the entity type to form its table name.
	// Default: "lattice_"
	TablePrefix string

	// RelationshipTable holds inverse and many-to-many link records.
	// Default: "lattice_relationships"
	RelationshipTable string

	// UniqueTable holds unique constraint records.
	// Default: "lattice_unique_constraints"
	UniqueTable string

	// NumShards is the number of shards per relationship partition.
	// Higher values increase write throughput but require more parallel queries.
	// Default: 1 (no sharding, single query)
	// Max: 256
	//
	// Per-shard limits:
	//   - Writes: 1,000/sec
	//   - Reads: 3,000/sec
	NumShards int

	// PurgeAfter is how long a soft-removed entity is kept before the
	// DynamoDB TTL process deletes it.
	// Default: 30 days
	PurgeAfter time.Duration

	// UniqueFields lists, per entity type, the attributes whose values must
	// be unique across that type.
	UniqueFields map[string][]string
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		TablePrefix:       "lattice_",
		RelationshipTable: "lattice_relationships",
		UniqueTable:       "lattice_unique_constraints",
		NumShards:         1,
		PurgeAfter:        30 * 24 * time.Hour,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.TablePrefix == "" {
		c.TablePrefix = d.TablePrefix
	}
	if c.RelationshipTable == "" {
		c.RelationshipTable = d.RelationshipTable
	}
	if c.UniqueTable == "" {
		c.UniqueTable = d.UniqueTable
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = d.PurgeAfter
	}
}
