// Package kv defines the narrow key-value contract the webhook engine is
// written against, with in-memory, Redis, and Postgres implementations.
// Values are opaque JSON documents; the engine never depends on a backend
// beyond Get/Set/Delete.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
