// Package storage provides the object store used for sheet page sources,
// generated tiles, and persisted records. Keys are flat strings; writes are
// idempotent keyed overwrites, which is what makes at-least-once tile job
// delivery safe upstream.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// Store is the object storage abstraction shared by the tiling, detection,
// and archive paths. Implementations must be safe for concurrent use;
// concurrent writers to the same key may race but the key scheme guarantees
// they race to identical content.
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the full object at key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Reader opens the object for seekable reads (range requests) and
	// reports its total size. Returns ErrNotFound if absent.
	Reader(ctx context.Context, key string) (io.ReadSeekCloser, int64, error)

	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}
