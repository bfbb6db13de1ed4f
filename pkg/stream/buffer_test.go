package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/cache"
)

func testEvent(eventType, sessionID string, ts time.Time) Event {
	return Event{
		EventType: eventType,
		Payload:   map[string]any{"event_id": eventType + "-id"},
		Timestamp: ts,
		SessionID: &sessionID,
	}
}

func TestReplayBufferOldestFirst(t *testing.T) {
	buf := NewReplayBuffer(cache.NewMemoryClient(), 100, time.Hour)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_started", "s1", base)))
	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_progress", "s1", base.Add(time.Second))))
	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_completed", "s1", base.Add(2*time.Second))))

	events, err := buf.Replay(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "task_started", events[0].EventType)
	assert.Equal(t, "task_progress", events[1].EventType)
	assert.Equal(t, "task_completed", events[2].EventType)
}

func TestReplayBufferSinceFilter(t *testing.T) {
	buf := NewReplayBuffer(cache.NewMemoryClient(), 100, time.Hour)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_started", "s1", base)))
	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_completed", "s1", base.Add(10*time.Second))))

	since := base.Add(5 * time.Second)
	events, err := buf.Replay(ctx, "s1", &since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task_completed", events[0].EventType)

	// Boundary: events at exactly `since` are excluded.
	since = base
	events, err = buf.Replay(ctx, "s1", &since)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReplayBufferBounded(t *testing.T) {
	buf := NewReplayBuffer(cache.NewMemoryClient(), 5, time.Hour)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 10; i++ {
		ev := testEvent("task_progress", "s1", base.Add(time.Duration(i)*time.Second))
		ev.Payload["seq"] = float64(i)
		require.NoError(t, buf.Push(ctx, "s1", ev))
	}

	events, err := buf.Replay(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, events, 5)
	// Oldest entries were trimmed away.
	assert.Equal(t, float64(5), events[0].Payload["seq"])
	assert.Equal(t, float64(9), events[4].Payload["seq"])
}

func TestReplayBufferSessionIsolation(t *testing.T) {
	buf := NewReplayBuffer(cache.NewMemoryClient(), 100, time.Hour)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_started", "s1", base)))
	require.NoError(t, buf.Push(ctx, "s2", testEvent("task_completed", "s2", base)))

	events, err := buf.Replay(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task_started", events[0].EventType)
}

func TestReplayBufferDrop(t *testing.T) {
	buf := NewReplayBuffer(cache.NewMemoryClient(), 100, time.Hour)
	ctx := context.Background()

	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_started", "s1", time.Now())))
	require.NoError(t, buf.Drop(ctx, "s1"))

	events, err := buf.Replay(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayBufferSkipsCorruptEntries(t *testing.T) {
	mem := cache.NewMemoryClient()
	buf := NewReplayBuffer(mem, 100, time.Hour)
	ctx := context.Background()

	require.NoError(t, buf.Push(ctx, "s1", testEvent("task_started", "s1", time.Now())))
	require.NoError(t, mem.LPush(ctx, bufferKey("s1"), []byte("not json")))

	events, err := buf.Replay(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task_started", events[0].EventType)
}
