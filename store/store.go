// Package store defines the durable key-value collaborator backing the cold
// tier of the session cache, with in-memory, filesystem, and Postgres
// implementations. The engine treats the store as opaque: single-key Set is
// assumed atomic, and read-modify-write only happens under the owning
// conversation's turn lock.
package store

import (
	"context"
	"time"
)

// Store is a table-scoped key-value store with optional per-entry expiry.
// Implementations are stateless across calls and safe for concurrent use.
type Store interface {
	// Get returns the value for key in table, or ErrKeyNotFound. Expired
	// entries behave as missing.
	Get(ctx context.Context, table, key string) ([]byte, error)
	// Set writes value under key, creating or overwriting. A positive ttl
	// expires the entry after that duration; zero means no expiry.
	Set(ctx context.Context, table, key string, value []byte, ttl time.Duration) error
	// Delete removes key from table. Missing keys are ignored.
	Delete(ctx context.Context, table, key string) error
	// Keys returns all live keys in table.
	Keys(ctx context.Context, table string) ([]string, error)
}
