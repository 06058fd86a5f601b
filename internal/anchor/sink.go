package anchor

import (
	"context"
	"fmt"

	"github.com/tradeforge/compliance-backend/internal/config"
)

// Sink writes checkpoint payloads to storage outside the audit database.
// Implementations must be write-once: a key that already exists is never
// overwritten, since replacing an anchored checkpoint would defeat its
// purpose.
type Sink interface {
	// Name identifies the sink kind (local, s3, gcs, azure) for logging and
	// the chain_checkpoints table.
	Name() string

	// Put writes the payload under key and returns the sink-specific location
	// of the written object.
	Put(ctx context.Context, key string, payload []byte) (string, error)

	// Exists reports whether a checkpoint already exists at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// FactoryFunc constructs a sink from configuration.
type FactoryFunc func(*config.Config) (Sink, error)

var factories = make(map[string]FactoryFunc)

// Register registers a sink factory under the given name.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewSink creates the sink selected by anchor.sink in the configuration.
func NewSink(cfg *config.Config) (Sink, error) {
	factory, ok := factories[cfg.Anchor.Sink]
	if !ok {
		return nil, fmt.Errorf("unsupported anchor sink: %s (must be 'local', 's3', 'gcs', or 'azure')", cfg.Anchor.Sink)
	}

	return factory(cfg)
}
