// Package kv defines the key-value persistence shim the ledger stores its
// partitions in. Values are opaque byte blobs.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has never been written or
	// was deleted.
	ErrNotFound = errors.New("key not found")

	// ErrSkipWrite may be returned by an UpdateFunc to leave the key as it is.
	// Update then returns nil.
	ErrSkipWrite = errors.New("skip write")
)

// UpdateFunc receives the current value (nil and exists=false when the key is
// absent) and returns the value to store.
type UpdateFunc func(old []byte, exists bool) ([]byte, error)

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Update performs an atomic read-modify-write of key: no other Update on
	// the same key interleaves between the read passed to fn and the write of
	// its result. An error from fn other than ErrSkipWrite aborts the update
	// and is returned unchanged.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	Delete(ctx context.Context, key string) error

	// Keys lists the keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
