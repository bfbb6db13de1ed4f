// Package cache provides the key/value cache used by the stream broker's
// reconnection buffer and the worker-space registry. The Redis client is the
// production implementation; an in-memory implementation backs tests and
// degraded single-process deployments.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Client is the minimal cache surface the runtime needs: plain KV plus the
// list-push/trim/range operations backing the stream replay buffer.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error

	// LPush prepends values to a list (newest first).
	LPush(ctx context.Context, key string, values ...[]byte) error
	// LTrim keeps only the elements in [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LRange returns elements in [start, stop] in list order (newest first).
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Expire sets the key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
