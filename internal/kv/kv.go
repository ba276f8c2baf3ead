// Package kv is the small key-value metadata store the engine keeps its
// non-catalog state in: retention deletion markers, janitor cursors, and
// similar bookkeeping that must survive restarts but fits no catalog table.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the metadata store contract: plain get/put/delete plus ordered
// prefix listing.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}
