// Package shard computes partition keys for the relationship and unique
// constraint tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxShards bounds the number of relationship shards per partition.
const MaxShards = 256

// Key returns the partition key of one shard of a relationship partition.
func Key(partition string, shard int) string {
	return fmt.Sprintf("%s#%02x", partition, shard)
}

// RelationshipPK computes the sharded partition key for a relationship record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are spread by a hash of targetRef.
func RelationshipPK(partition, targetRef string, numShards int) string {
	if numShards <= 1 {
		return Key(partition, 0)
	}
	numShards = min(numShards, MaxShards)
	h := fnv.New32a()
	h.Write([]byte(targetRef))
	return Key(partition, int(h.Sum32()%uint32(numShards)))
}

// Keys lists every shard key of a partition, in shard order.
func Keys(partition string, numShards int) []string {
	numShards = min(max(numShards, 1), MaxShards)
	keys := make([]string, numShards)
	for i := range keys {
		keys[i] = Key(partition, i)
	}
	return keys
}

// UniqueConstraintPK computes a hash-distributed partition key for a unique
// constraint, so each constraint lands on its own partition.
func UniqueConstraintPK(scope, entityType, field, value string) string {
	data := fmt.Sprintf("%s#%s#%s#%s", scope, entityType, field, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}
