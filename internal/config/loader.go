package config

import (
	"context"
)

// Loader retrieves the service configuration from some source. The file
// loader is the only implementation today; the interface leaves room for
// environment-backed or remote sources without touching callers.
type Loader interface {
	// Load retrieves and parses the configuration, applying environment
	// overrides where the source supports them.
	Load(ctx context.Context) (*Config, error)
}
