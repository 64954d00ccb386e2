package relation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by primitives when an entity doesn't exist or is soft-removed.
	ErrNotFound = errors.New("lattice: entity not found")

	// ErrRegistrySealed is returned when registering metadata after startup.
	ErrRegistrySealed = errors.New("lattice: registry is sealed")

	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("lattice: configuration error")
)

// ConfigurationError reports bad relationship metadata. It is resolved at
// startup and is fatal to process initialisation.
type ConfigurationError struct {
	Entity   string
	Property string
	Reason   string
}

// Error returns the error string.
func (e *ConfigurationError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("lattice: invalid relation metadata for %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("lattice: invalid relation metadata %s.%s: %s", e.Entity, e.Property, e.Reason)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
