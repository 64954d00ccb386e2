// Package cache provides a bounded, TTL-aware in-process cache for resolved
// relationship subgraphs.
//
// Every operation, including the access bookkeeping done by Get, runs under a
// single store-wide mutex so eviction decisions never observe a counter that
// is being updated concurrently.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sizer is implemented by values that can report their size. The hint is
// recorded on the entry; values without it count as 1.
type Sizer interface {
	SizeHint() int
}

type entry struct {
	key            string
	value          any
	ttl            time.Duration
	insertedAt     time.Time
	lastAccessedAt time.Time
	accessCount    uint64
	sizeHint       int
	tags           []string

	// tick orders accesses strictly; wall-clock readings can tie.
	tick uint64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

func (e *entry) remaining(now time.Time) time.Duration {
	return e.ttl - now.Sub(e.insertedAt)
}

// Entry is a read-only view of a cache entry.
type Entry struct {
	Key            string
	InsertedAt     time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	SizeHint       int
	TTL            time.Duration
}

// Cache is a bounded key/value store with TTL expiry and a pluggable
// eviction policy.
type Cache struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry
	tags    map[string]map[string]struct{}
	clock   uint64
	stats   counters
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for eviction and invalidation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a new Cache.
func New(config Config, opts ...Option) *Cache {
	config.validate()
	c := &Cache{
		config:  config,
		entries: make(map[string]*entry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Get returns the value stored under key. Expired entries are removed and
// reported as a miss. A hit updates the access bookkeeping.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.misses++
		return nil, false
	}

	now := c.now()
	if e.expired(now) {
		c.removeLocked(e)
		c.stats.expirations++
		c.stats.misses++
		return nil, false
	}

	c.clock++
	e.tick = c.clock
	e.lastAccessedAt = now
	e.accessCount++
	c.stats.hits++
	return e.value, true
}

// Set stores value under key. A ttl <= 0 uses the configured default.
// When the cache is full one entry is evicted first.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.SetTagged(key, value, ttl)
}

// SetTagged stores value under key and indexes it under tags, so that
// Invalidate can drop every entry that mentions a tag.
func (c *Cache) SetTagged(key string, value any, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	size := 1
	if s, ok := value.(Sizer); ok {
		size = s.SizeHint()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	} else if len(c.entries) >= c.config.MaxSize {
		c.evictLocked(now)
	}

	c.clock++
	e := &entry{
		key:            key,
		value:          value,
		ttl:            ttl,
		insertedAt:     now,
		lastAccessedAt: now,
		sizeHint:       size,
		tags:           tags,
		tick:           c.clock,
	}
	c.entries[key] = e
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Delete removes key. It reports whether an entry was removed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear removes every entry whose key starts with prefix. An empty prefix
// empties the cache. It returns the number of removed entries.
func (c *Cache) Clear(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		n := len(c.entries)
		c.entries = make(map[string]*entry)
		c.tags = make(map[string]map[string]struct{})
		return n
	}

	n := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// InvalidateTag removes every entry indexed under tag.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateTagLocked(tag)
}

// Invalidate removes every entry tagged with one of refs.
func (c *Cache) Invalidate(_ context.Context, refs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ref := range refs {
		n += c.invalidateTagLocked(ref)
	}
	if n > 0 {
		c.logger.Debug("cache invalidated", "refs", refs, "entries", n)
	}
	return nil
}

// Peek returns the bookkeeping of key without counting as an access.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Key:            e.key,
		InsertedAt:     e.insertedAt,
		LastAccessedAt: e.lastAccessedAt,
		AccessCount:    e.accessCount,
		SizeHint:       e.sizeHint,
		TTL:            e.ttl,
	}, true
}

// Len returns the number of stored entries, including expired ones not yet collected.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) invalidateTagLocked(tag string) int {
	keys := c.tags[tag]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(e)
			n++
		}
	}
	delete(c.tags, tag)
	return n
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	for _, tag := range e.tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// evictLocked removes exactly one entry chosen by the eviction policy.
func (c *Cache) evictLocked(now time.Time) {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil || c.before(e, victim, now) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	c.removeLocked(victim)
	c.stats.evictions++
	c.logger.Debug("cache eviction",
		"key", victim.key,
		"policy", string(c.config.EvictionPolicy),
		"accessCount", victim.accessCount,
	)
}

// before reports whether a is a better eviction candidate than b.
func (c *Cache) before(a, b *entry, now time.Time) bool {
	switch c.config.EvictionPolicy {
	case LFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
	case TTL:
		ra, rb := a.remaining(now), b.remaining(now)
		if ra != rb {
			return ra < rb
		}
	}
	return a.tick < b.tick
}
