// Package store is the keyed local store behind history and stats.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("store: key not found")

// Store persists opaque values under string keys. Put replaces the whole
// value; there are no partial updates.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
