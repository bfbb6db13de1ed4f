//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/outbox"
	"github.com/hiveplane/hiveplane/pkg/stream"
	"github.com/hiveplane/hiveplane/test/util"
)

func outboxConfig() *config.OutboxConfig {
	return &config.OutboxConfig{
		BatchSize:    100,
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		PollInterval: time.Second,
	}
}

func TestOutboxDrainPublishesCommittedEvents(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	project := seedProject(t, db, owner)
	repo := outbox.NewRepository(db, outboxConfig())

	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	for _, kind := range []string{"session_created", "message_created"} {
		require.NoError(t, repo.RecordEvent(ctx, tx, &models.OutboxEvent{
			AggregateType: "test",
			AggregateID:   owner,
			OwnerID:       owner,
			ProjectID:     &project,
			EventType:     kind,
			Payload:       json.RawMessage(`{"k":"v"}`),
		}))
	}
	require.NoError(t, tx.Commit(ctx))

	var delivered []stream.Event
	res, err := repo.Drain(ctx, func(_ context.Context, ev stream.Event) error {
		delivered = append(delivered, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 2, res.Published)
	assert.Len(t, delivered, 2)

	// Oldest first, payload augmented with the dedup key.
	assert.Equal(t, "session_created", delivered[0].EventType)
	assert.NotEmpty(t, delivered[0].Payload["event_id"])

	pending, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOutboxRollbackDiscardsEvent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	project := seedProject(t, db, owner)
	repo := outbox.NewRepository(db, outboxConfig())

	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvent(ctx, tx, &models.OutboxEvent{
		AggregateType: "test",
		AggregateID:   owner,
		OwnerID:       owner,
		ProjectID:     &project,
		EventType:     "session_created",
	}))
	require.NoError(t, tx.Rollback(ctx))

	pending, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "rolled-back event must not surface")
}

func TestOutboxRetryExhaustionAndReprocess(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	project := seedProject(t, db, owner)
	repo := outbox.NewRepository(db, outboxConfig())

	ev := &models.OutboxEvent{
		AggregateType: "test",
		AggregateID:   owner,
		OwnerID:       owner,
		ProjectID:     &project,
		EventType:     "message_created",
	}
	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvent(ctx, tx, ev))
	require.NoError(t, tx.Commit(ctx))

	var attemptIDs []string
	failing := func(_ context.Context, sev stream.Event) error {
		attemptIDs = append(attemptIDs, sev.Payload["event_id"].(string))
		return errors.New("broker unavailable")
	}

	// First failure schedules a retry.
	res, err := repo.Drain(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Zero(t, res.Dead)

	// Second failure exhausts the budget and parks the row.
	time.Sleep(5 * time.Millisecond)
	res, err = repo.Drain(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)

	// The ID is stable across attempts: it is the consumer dedup key.
	require.Len(t, attemptIDs, 2)
	assert.Equal(t, ev.ID, attemptIDs[0])
	assert.Equal(t, attemptIDs[0], attemptIDs[1])

	failed, err := repo.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// Reprocess resets the retry budget; the next drain publishes.
	n, err := repo.Reprocess(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = repo.Drain(ctx, func(context.Context, stream.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	// A publish after retries leaves no stale failure bookkeeping behind.
	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusPublished, got.Status)
	assert.NotNil(t, got.PublishedAt)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
}

func TestOutboxPublishAfterRetryClearsFailureState(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	project := seedProject(t, db, owner)
	repo := outbox.NewRepository(db, outboxConfig())

	ev := &models.OutboxEvent{
		AggregateType: "test",
		AggregateID:   owner,
		OwnerID:       owner,
		ProjectID:     &project,
		EventType:     "message_created",
	}
	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvent(ctx, tx, ev))
	require.NoError(t, tx.Commit(ctx))

	res, err := repo.Drain(ctx, func(context.Context, stream.Event) error {
		return errors.New("transient broker outage")
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Retried)

	time.Sleep(5 * time.Millisecond)
	res, err = repo.Drain(ctx, func(context.Context, stream.Event) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusPublished, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
}

func TestOutboxEventWithoutProjectPublishes(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	repo := outbox.NewRepository(db, outboxConfig())

	// Owner-scoped events (approvals outside any project) carry no project;
	// the column is nullable and the insert must not try to encode "".
	ev := &models.OutboxEvent{
		AggregateType: "approval",
		AggregateID:   owner,
		OwnerID:       owner,
		EventType:     "approval_required",
	}
	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvent(ctx, tx, ev))
	require.NoError(t, tx.Commit(ctx))

	res, err := repo.Drain(ctx, func(context.Context, stream.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProjectID)
}

func TestOutboxConcurrentDrainsDoNotDoubleClaim(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	project := seedProject(t, db, owner)
	repo := outbox.NewRepository(db, outboxConfig())

	tx, err := db.Pool().Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, repo.RecordEvent(ctx, tx, &models.OutboxEvent{
			AggregateType: "test",
			AggregateID:   owner,
			OwnerID:       owner,
			ProjectID:     &project,
			EventType:     "message_created",
		}))
	}
	require.NoError(t, tx.Commit(ctx))

	// Hold the first drain open mid-delivery while a second one runs:
	// SKIP LOCKED must hand the second drain nothing.
	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan outbox.DrainResult, 1)
	go func() {
		var once bool
		res, _ := repo.Drain(ctx, func(context.Context, stream.Event) error {
			if !once {
				once = true
				close(started)
				<-release
			}
			return nil
		})
		firstDone <- res
	}()

	<-started
	second, err := repo.Drain(ctx, func(context.Context, stream.Event) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, second.Claimed, "locked rows must be skipped, not double-claimed")

	close(release)
	first := <-firstDone
	assert.Equal(t, 10, first.Published)
}
