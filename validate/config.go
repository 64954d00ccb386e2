package validate

import "github.com/jacentio/lattice/relation"

// Config holds configuration for the Validator.
type Config struct {
	// EnforceOnInsert runs validation before inserts.
	EnforceOnInsert bool

	// EnforceOnUpdate runs validation before updates.
	EnforceOnUpdate bool

	// EnforceOnDelete runs validation before removes and soft removes.
	EnforceOnDelete bool

	// EnforceOnRecover runs validation before recovers.
	EnforceOnRecover bool

	// ValidateCircularReferences rejects entities that reference themselves
	// through a chain of foreign keys.
	ValidateCircularReferences bool

	// MaxDepth bounds the hops searched for circular references.
	// Default: 3
	MaxDepth int
}

// DefaultConfig returns sensible defaults: every enforcement point enabled.
func DefaultConfig() Config {
	return Config{
		EnforceOnInsert:            true,
		EnforceOnUpdate:            true,
		EnforceOnDelete:            true,
		EnforceOnRecover:           true,
		ValidateCircularReferences: true,
		MaxDepth:                   3,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.MaxDepth < 1 {
		c.MaxDepth = 3
	}
}

// Enforced reports whether op is validated.
func (c Config) Enforced(op relation.Op) bool {
	switch op {
	case relation.OpInsert:
		return c.EnforceOnInsert
	case relation.OpUpdate:
		return c.EnforceOnUpdate
	case relation.OpRemove, relation.OpSoftRemove:
		return c.EnforceOnDelete
	case relation.OpRecover:
		return c.EnforceOnRecover
	}
	return false
}
