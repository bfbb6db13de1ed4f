// Package outbox implements the transactional outbox: domain events are
// committed in the same transaction as their aggregate and drained to the
// stream broker by a background publisher. Event IDs are stable across
// retries and serve as the consumer deduplication key.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/stream"
)

// DeliverFunc pushes one event downstream. An error marks the row for retry.
type DeliverFunc func(ctx context.Context, ev stream.Event) error

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Claimed   int
	Published int
	Retried   int
	Dead      int
}

// Repository persists and drains outbox rows.
type Repository struct {
	db  *database.Client
	cfg *config.OutboxConfig
}

// NewRepository creates a repository over the database client.
func NewRepository(db *database.Client, cfg *config.OutboxConfig) *Repository {
	return &Repository{db: db, cfg: cfg}
}

const outboxColumns = `event_id, aggregate_type, aggregate_id, owner_id, project_id,
	event_type, payload, status, retry_count, next_retry_at, created_at,
	published_at, last_error`

// RecordEvent inserts a pending outbox row inside the caller's transaction,
// so the event commits or rolls back with the aggregate change it describes.
// A missing ID is assigned; the ID never changes afterwards.
func (r *Repository) RecordEvent(ctx context.Context, tx pgx.Tx, ev *models.OutboxEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = models.OutboxStatusPending
	}
	if ev.Payload == nil {
		ev.Payload = json.RawMessage(`{}`)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox
			(event_id, aggregate_type, aggregate_id, owner_id, project_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.OwnerID, ev.ProjectID,
		ev.EventType, ev.Payload, ev.Status)
	if err != nil {
		return fmt.Errorf("failed to record outbox event: %w", err)
	}
	return nil
}

// Drain runs one publish cycle in a single transaction: claim up to the
// batch size of due pending rows with FOR UPDATE SKIP LOCKED (so concurrent
// publishers never double-claim), deliver each, and mark the outcome. The
// transaction commits once at the end of the cycle; a crash mid-cycle
// releases the locks and the rows are retried by the next cycle, which is
// why consumers deduplicate on event ID.
func (r *Repository) Drain(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	var res DrainResult

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin drain transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM event_outbox
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to claim pending events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return res, err
	}
	res.Claimed = len(events)

	for _, ev := range events {
		if err := deliver(ctx, ToStreamEvent(ev)); err != nil {
			if markErr := r.markFailed(ctx, tx, ev, err); markErr != nil {
				return res, markErr
			}
			if ev.RetryCount+1 >= r.cfg.MaxRetries {
				res.Dead++
			} else {
				res.Retried++
			}
			continue
		}
		if err := r.markPublished(ctx, tx, ev.ID); err != nil {
			return res, err
		}
		res.Published++
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("failed to commit drain transaction: %w", err)
	}
	return res, nil
}

// markPublished stamps the row and clears all failure bookkeeping left by
// earlier attempts.
func (r *Repository) markPublished(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published', published_at = now(),
		    retry_count = 0, next_retry_at = NULL, last_error = NULL
		WHERE event_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

// markFailed bumps the retry count and schedules the next attempt with
// exponential backoff, or parks the row as terminally failed once the retry
// budget is spent.
func (r *Repository) markFailed(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent, cause error) error {
	retries := ev.RetryCount + 1
	if retries >= r.cfg.MaxRetries {
		_, err := tx.Exec(ctx, `
			UPDATE event_outbox
			SET status = 'failed', retry_count = $2, next_retry_at = NULL, last_error = $3
			WHERE event_id = $1`,
			ev.ID, retries, cause.Error())
		if err != nil {
			return fmt.Errorf("failed to mark event terminally failed: %w", err)
		}
		return nil
	}

	delay := RetryDelay(retries, r.cfg.InitialDelay, r.cfg.MaxDelay)
	_, err := tx.Exec(ctx, `
		UPDATE event_outbox
		SET retry_count = $2, next_retry_at = now() + $3, last_error = $4
		WHERE event_id = $1`,
		ev.ID, retries, delay, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to schedule event retry: %w", err)
	}
	return nil
}

// RetryDelay returns the backoff before attempt retry (1-based):
// min(initial * 2^(retry-1), max). Integer arithmetic only.
func RetryDelay(retry int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Reprocess resets a terminally failed event to pending with a fresh retry
// budget. Returns the number of rows reset (0 when the event is missing or
// not failed).
func (r *Repository) Reprocess(ctx context.Context, eventID string) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, last_error = NULL
		WHERE event_id = $1 AND status = 'failed'`, eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to reprocess event: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReprocessAllFailed resets every terminally failed event.
func (r *Repository) ReprocessAllFailed(ctx context.Context) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, last_error = NULL
		WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reprocess failed events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PendingCount returns the number of rows awaiting delivery.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM event_outbox WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// FailedCount returns the number of terminally failed rows.
func (r *Repository) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM event_outbox WHERE status = 'failed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed events: %w", err)
	}
	return n, nil
}

// GetEvent fetches a single outbox row by ID.
func (r *Repository) GetEvent(ctx context.Context, eventID string) (*models.OutboxEvent, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+outboxColumns+` FROM event_outbox WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &events[0], nil
}

func scanEvents(rows pgx.Rows) ([]models.OutboxEvent, error) {
	defer rows.Close()
	var out []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.OwnerID, &ev.ProjectID,
			&ev.EventType, &ev.Payload, &ev.Status, &ev.RetryCount, &ev.NextRetryAt,
			&ev.CreatedAt, &ev.PublishedAt, &ev.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}
	return out, nil
}

// ToStreamEvent converts an outbox row to its wire form. The payload is
// augmented with event_id, aggregate_type, and aggregate_id; session_id is
// lifted out of the payload when present so the broker can route it.
func ToStreamEvent(ev models.OutboxEvent) stream.Event {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		// Ignore malformed payloads rather than blocking the stream.
		_ = json.Unmarshal(ev.Payload, &payload)
	}
	payload["event_id"] = ev.ID
	payload["aggregate_type"] = ev.AggregateType
	payload["aggregate_id"] = ev.AggregateID

	var sessionID *string
	if sid, ok := payload["session_id"].(string); ok && sid != "" {
		sessionID = &sid
	}

	return stream.Event{
		EventType: ev.EventType,
		Payload:   payload,
		Timestamp: ev.CreatedAt,
		SessionID: sessionID,
		OwnerID:   ev.OwnerID,
	}
}
