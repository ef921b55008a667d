// Package kvstore provides the durable on-device key→JSON blob store backing
// the pending-write queue, notification handles, and per-pregnancy reminder
// state.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// Store is a durable key/blob store. Writes are durable before returning.
// There is no multi-key atomicity: callers needing it serialize over a single
// key (the pending queue is one JSON array under one key).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// ListPrefix returns all entries whose key starts with prefix.
	ListPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}
