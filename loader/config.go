package loader

import (
	"time"

	"github.com/jacentio/lattice/relation"
)

// Config holds configuration for the Loader.
type Config struct {
	// DefaultStrategy is used when Options.Strategy is empty.
	// Default: eager
	DefaultStrategy relation.Strategy

	// MaxDepth bounds relation traversal below the root entity.
	// Default: 3
	MaxDepth int

	// BatchSize is the number of source ids per grouped fetch in LoadBatch.
	// Default: 100
	BatchSize int

	// BatchWorkers bounds concurrent grouped fetches in LoadBatch.
	// Default: 4
	BatchWorkers int

	// FanOutThreshold is the estimated target count at or above which the
	// smart strategy defers a relation.
	// Default: 25
	FanOutThreshold int

	// CircularStrategy applies where traversal stops.
	// Default: truncate
	CircularStrategy CycleStrategy

	// TTL is the lifetime of cached subgraphs (0 = cache default).
	TTL time.Duration

	// SlowLoadThreshold logs loads that take longer (0 = disabled).
	SlowLoadThreshold time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:  relation.Eager,
		MaxDepth:         3,
		BatchSize:        100,
		BatchWorkers:     4,
		FanOutThreshold:  25,
		CircularStrategy: Truncate,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = relation.Eager
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.BatchWorkers < 1 {
		c.BatchWorkers = 4
	}
	if c.FanOutThreshold < 1 {
		c.FanOutThreshold = 25
	}
	switch c.CircularStrategy {
	case Truncate, Proxy, Exclude:
	default:
		c.CircularStrategy = Truncate
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
}

// Options tune one load call. Zero values fall back to Config.
type Options struct {
	Strategy relation.Strategy

	// MaxDepth overrides Config.MaxDepth when > 0. Pass a CircularConfig to
	// load with a depth of 0.
	MaxDepth int

	BatchSize       int
	FanOutThreshold int

	// Fields projects Record attributes to the named fields.
	Fields []string

	TTL              time.Duration
	CircularStrategy CycleStrategy

	// SkipCache bypasses cache reads and writes.
	SkipCache bool
}

// resolve fills unset options from config.
func (o Options) resolve(c Config) Options {
	if !o.Strategy.Valid() {
		o.Strategy = c.DefaultStrategy
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = c.MaxDepth
	}
	if o.BatchSize <= 0 {
		o.BatchSize = c.BatchSize
	}
	if o.FanOutThreshold <= 0 {
		o.FanOutThreshold = c.FanOutThreshold
	}
	if o.TTL <= 0 {
		o.TTL = c.TTL
	}
	switch o.CircularStrategy {
	case Truncate, Proxy, Exclude:
	default:
		o.CircularStrategy = c.CircularStrategy
	}
	return o
}
