package interfaces

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// ICacheBackend defines the contract for the response cache store.
// -----------------------------------------------------------------------------

type ICacheBackend interface {

	// -----------------------------------------------------------------------------

	// Get returns the stored bytes for key. Expired entries read as absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// -----------------------------------------------------------------------------

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// -----------------------------------------------------------------------------

	// Invalidate removes every key starting with prefix. An empty prefix clears all.
	Invalidate(ctx context.Context, prefix string) error

	// -----------------------------------------------------------------------------

	// Close the backend connection
	Close() error
}
