package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hiveplane/hiveplane/pkg/cache"
)

// ReplayBuffer stores the last N events per session in the key/value cache
// so reconnecting clients can resume from a `since` timestamp. Events are
// pushed newest-first and trimmed to maxEvents; the whole list expires after
// ttl of inactivity.
type ReplayBuffer struct {
	cache     cache.Client
	maxEvents int
	ttl       time.Duration
}

// NewReplayBuffer creates a buffer over the given cache client.
func NewReplayBuffer(c cache.Client, maxEvents int, ttl time.Duration) *ReplayBuffer {
	return &ReplayBuffer{cache: c, maxEvents: maxEvents, ttl: ttl}
}

// Push appends an event to the session's buffer, enforcing the size bound
// and refreshing the TTL.
func (b *ReplayBuffer) Push(ctx context.Context, sessionID string, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event for buffering: %w", err)
	}
	key := bufferKey(sessionID)
	if err := b.cache.LPush(ctx, key, data); err != nil {
		return fmt.Errorf("failed to buffer event: %w", err)
	}
	if err := b.cache.LTrim(ctx, key, 0, int64(b.maxEvents)-1); err != nil {
		return fmt.Errorf("failed to trim event buffer: %w", err)
	}
	if err := b.cache.Expire(ctx, key, b.ttl); err != nil {
		return fmt.Errorf("failed to set buffer TTL: %w", err)
	}
	return nil
}

// Replay returns buffered events for a session in oldest-first order,
// filtered to those with timestamp strictly after since (when non-nil).
// Entries that fail to decode are skipped.
func (b *ReplayBuffer) Replay(ctx context.Context, sessionID string, since *time.Time) ([]Event, error) {
	raw, err := b.cache.LRange(ctx, bufferKey(sessionID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read event buffer: %w", err)
	}

	// Stored newest-first; emit oldest-first.
	events := make([]Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal(raw[i], &ev); err != nil {
			continue
		}
		if since != nil && !ev.Timestamp.After(*since) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Drop discards a session's buffer.
func (b *ReplayBuffer) Drop(ctx context.Context, sessionID string) error {
	return b.cache.Del(ctx, bufferKey(sessionID))
}
