// Package storage provides the key-value abstraction shared by the client
// token store, the server-side browser sessions and the incident repository.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Store is a namespaced key-value store with optional per-key expiry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or replaces key. A ttl of 0 means the key never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists the unexpired keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Sweeper is implemented by backends that need periodic removal of expired
// keys because they only enforce expiry on read.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
