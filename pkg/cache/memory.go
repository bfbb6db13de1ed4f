package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is a process-local Client. It implements the same semantics
// as the Redis client for single-process deployments and tests; replay
// buffers stored here are lost on restart.
type MemoryClient struct {
	mu      sync.Mutex
	kv      map[string]entry
	lists   map[string]listEntry
	nowFunc func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no TTL
}

type listEntry struct {
	values    [][]byte
	expiresAt time.Time
}

// NewMemoryClient creates an empty in-memory cache.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		kv:      make(map[string]entry),
		lists:   make(map[string]listEntry),
		nowFunc: time.Now,
	}
}

func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.nowFunc().Add(ttl)
	}
	c.kv[key] = e
	return nil
}

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.kv[key]
	if !ok || c.expired(e.expiresAt) {
		delete(c.kv, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (c *MemoryClient) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.kv, k)
		delete(c.lists, k)
	}
	return nil
}

func (c *MemoryClient) LPush(_ context.Context, key string, values ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	le := c.liveList(key)
	for _, v := range values {
		le.values = append([][]byte{append([]byte(nil), v...)}, le.values...)
	}
	c.lists[key] = le
	return nil
}

func (c *MemoryClient) LTrim(_ context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	le := c.liveList(key)
	n := int64(len(le.values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		le.values = nil
	} else {
		le.values = le.values[start : stop+1]
	}
	c.lists[key] = le
	return nil
}

func (c *MemoryClient) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	le := c.liveList(key)
	n := int64(len(le.values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range le.values[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (c *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.kv[key]; ok {
		e.expiresAt = c.nowFunc().Add(ttl)
		c.kv[key] = e
	}
	if le, ok := c.lists[key]; ok {
		le.expiresAt = c.nowFunc().Add(ttl)
		c.lists[key] = le
	}
	return nil
}

func (c *MemoryClient) Close() error { return nil }

// liveList returns the list for key, dropping it first if expired.
// Caller must hold mu.
func (c *MemoryClient) liveList(key string) listEntry {
	le, ok := c.lists[key]
	if !ok {
		return listEntry{}
	}
	if c.expired(le.expiresAt) {
		delete(c.lists, key)
		return listEntry{}
	}
	return le
}

func (c *MemoryClient) expired(at time.Time) bool {
	return !at.IsZero() && c.nowFunc().After(at)
}
