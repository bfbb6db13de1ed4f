package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/stream"
)

// fakeStore drains a fixed queue of events, applying the same
// success/retry/dead accounting as the SQL repository.
type fakeStore struct {
	mu         sync.Mutex
	queue      []models.OutboxEvent
	maxRetries int
	batchSize  int
	drains     int
	drainErr   error
}

func (s *fakeStore) Drain(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
	if s.drainErr != nil {
		return DrainResult{}, s.drainErr
	}

	var res DrainResult
	var remaining []models.OutboxEvent
	for i, ev := range s.queue {
		if res.Claimed >= s.batchSize {
			remaining = append(remaining, s.queue[i:]...)
			break
		}
		res.Claimed++
		if err := deliver(ctx, ToStreamEvent(ev)); err != nil {
			ev.RetryCount++
			if ev.RetryCount >= s.maxRetries {
				res.Dead++
			} else {
				res.Retried++
				remaining = append(remaining, ev)
			}
			continue
		}
		res.Published++
	}
	s.queue = remaining
	return res, nil
}

func (s *fakeStore) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *fakeStore) drainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

type fakeSink struct {
	mu     sync.Mutex
	events []stream.Event
	fail   func(ev stream.Event) error
}

func (s *fakeSink) Deliver(_ context.Context, ev stream.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(ev); err != nil {
			return 0, err
		}
	}
	s.events = append(s.events, ev)
	return 1, nil
}

func (s *fakeSink) delivered() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

func testOutboxConfig() *config.OutboxConfig {
	return &config.OutboxConfig{
		BatchSize:    100,
		MaxRetries:   5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		PollInterval: 10 * time.Millisecond,
	}
}

func outboxEvent(id, eventType string) models.OutboxEvent {
	project := "p1"
	return models.OutboxEvent{
		ID:            id,
		AggregateType: "session",
		AggregateID:   "s1",
		OwnerID:       "u1",
		ProjectID:     &project,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"session_id":"s1"}`),
		Status:        models.OutboxStatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestPublisherDrainsQueueToSink(t *testing.T) {
	cfg := testOutboxConfig()
	store := &fakeStore{
		queue:      []models.OutboxEvent{outboxEvent("e1", "message_created"), outboxEvent("e2", "task_started")},
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
	}
	sink := &fakeSink{}
	pub := NewPublisher(store, sink, cfg, nil)

	pub.Start(context.Background())
	defer pub.Stop()

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 2
	}, time.Second, 5*time.Millisecond)

	got := sink.delivered()
	assert.Equal(t, "message_created", got[0].EventType)
	assert.Equal(t, "e1", got[0].Payload["event_id"])
	assert.Equal(t, "task_started", got[1].EventType)

	n, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublisherRetriesUntilDead(t *testing.T) {
	cfg := testOutboxConfig()
	cfg.MaxRetries = 3
	store := &fakeStore{
		queue:      []models.OutboxEvent{outboxEvent("e1", "task_started")},
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
	}
	sink := &fakeSink{fail: func(stream.Event) error { return errors.New("sink down") }}
	pub := NewPublisher(store, sink, cfg, nil)

	pub.Start(context.Background())
	defer pub.Stop()

	// After max_retries failed attempts the event is parked and the queue
	// stays empty.
	require.Eventually(t, func() bool {
		n, _ := store.PendingCount(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.delivered())
}

func TestPublisherKeepsDrainingFullBatches(t *testing.T) {
	cfg := testOutboxConfig()
	cfg.BatchSize = 2
	cfg.PollInterval = time.Hour // force the backlog through the first cycle
	var queue []models.OutboxEvent
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		queue = append(queue, outboxEvent(id, "task_progress"))
	}
	store := &fakeStore{queue: queue, maxRetries: cfg.MaxRetries, batchSize: cfg.BatchSize}
	sink := &fakeSink{}
	pub := NewPublisher(store, sink, cfg, nil)

	pub.Start(context.Background())
	defer pub.Stop()

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestPublisherStartStopIdempotent(t *testing.T) {
	cfg := testOutboxConfig()
	store := &fakeStore{maxRetries: cfg.MaxRetries, batchSize: cfg.BatchSize}
	pub := NewPublisher(store, &fakeSink{}, cfg, nil)

	pub.Start(context.Background())
	pub.Start(context.Background())
	pub.Stop()
	pub.Stop()

	// Restart works after a stop.
	pub.Start(context.Background())
	pub.Stop()
}

func TestPublisherSurvivesDrainErrors(t *testing.T) {
	cfg := testOutboxConfig()
	store := &fakeStore{drainErr: errors.New("db down"), maxRetries: cfg.MaxRetries, batchSize: cfg.BatchSize}
	pub := NewPublisher(store, &fakeSink{}, cfg, nil)

	pub.Start(context.Background())
	defer pub.Stop()

	// The loop keeps polling despite errors.
	require.Eventually(t, func() bool {
		return store.drainCount() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	initial := 5 * time.Second
	max := 5 * time.Minute

	assert.Equal(t, 5*time.Second, RetryDelay(1, initial, max))
	assert.Equal(t, 10*time.Second, RetryDelay(2, initial, max))
	assert.Equal(t, 20*time.Second, RetryDelay(3, initial, max))
	assert.Equal(t, 40*time.Second, RetryDelay(4, initial, max))
	// 5s·2^6 = 320s > 300s cap.
	assert.Equal(t, max, RetryDelay(7, initial, max))
	assert.Equal(t, max, RetryDelay(50, initial, max))
}

func TestToStreamEventAugmentsPayload(t *testing.T) {
	ev := outboxEvent("e1", "message_created")
	ev.Payload = json.RawMessage(`{"session_id":"s1","content":"hi"}`)

	got := ToStreamEvent(ev)
	assert.Equal(t, "message_created", got.EventType)
	assert.Equal(t, "e1", got.Payload["event_id"])
	assert.Equal(t, "session", got.Payload["aggregate_type"])
	assert.Equal(t, "s1", got.Payload["aggregate_id"])
	assert.Equal(t, "hi", got.Payload["content"])
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "s1", *got.SessionID)
	assert.Equal(t, "u1", got.OwnerID)
}

func TestToStreamEventWithoutSession(t *testing.T) {
	ev := outboxEvent("e1", "agent_status_changed")
	ev.Payload = json.RawMessage(`{"agent_id":"a1"}`)

	got := ToStreamEvent(ev)
	assert.Nil(t, got.SessionID)
	assert.Equal(t, "u1", got.OwnerID)
}

func TestToStreamEventMalformedPayload(t *testing.T) {
	ev := outboxEvent("e1", "error")
	ev.Payload = json.RawMessage(`not json`)

	got := ToStreamEvent(ev)
	assert.Equal(t, "e1", got.Payload["event_id"])
	assert.Nil(t, got.SessionID)
}
