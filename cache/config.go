package cache

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects which entry is evicted when the cache is full.
type Policy string

const (
	// LRU evicts the entry with the oldest last access.
	LRU Policy = "lru"

	// LFU evicts the entry with the lowest access count, ties broken by oldest access.
	LFU Policy = "lfu"

	// TTL evicts the entry closest to its natural expiry.
	TTL Policy = "ttl"
)

// ParsePolicy parses a policy name case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case LRU:
		return LRU, nil
	case LFU:
		return LFU, nil
	case TTL:
		return TTL, nil
	}
	return "", fmt.Errorf("lattice: unknown eviction policy %q", s)
}

// Config holds configuration for the Cache.
type Config struct {
	// TTL is the default entry lifetime.
	// Default: 5m
	TTL time.Duration

	// MaxSize is the maximum number of entries.
	// Default: 1000
	MaxSize int

	// EvictionPolicy selects the victim when MaxSize is reached.
	// Default: LRU
	EvictionPolicy Policy

	// KeyPrefix namespaces every key built by Key.
	// Default: "lattice"
	KeyPrefix string

	// Compression is accepted for configuration parity with remote caches.
	// In-process values are stored as-is.
	Compression bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            5 * time.Minute,
		MaxSize:        1000,
		EvictionPolicy: LRU,
		KeyPrefix:      "lattice",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxSize < 1 {
		c.MaxSize = 1
	}
	switch c.EvictionPolicy {
	case LRU, LFU, TTL:
	default:
		c.EvictionPolicy = LRU
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "lattice"
	}
}
