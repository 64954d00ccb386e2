package cascade

// Config holds configuration for the Manager.
type Config struct {
	// Enabled propagates operations through relations. When false only the
	// root entity is written.
	Enabled bool

	// MaxOperationDepth bounds the relation hops followed from the root.
	// Default: 5
	MaxOperationDepth int

	// EnableTransactionRollback runs compensations when a step fails.
	EnableTransactionRollback bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		MaxOperationDepth:         5,
		EnableTransactionRollback: true,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.MaxOperationDepth < 0 {
		c.MaxOperationDepth = 0
	}
	if c.MaxOperationDepth > 64 {
		c.MaxOperationDepth = 64
	}
}
