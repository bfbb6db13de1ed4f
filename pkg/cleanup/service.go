// Package cleanup enforces data retention: published outbox events and
// resolved approval requests are deleted once they age out. All operations
// are idempotent and safe to run from multiple replicas.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
)

// Store performs the retention deletes.
type Store interface {
	DeletePublishedEvents(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteResolvedApprovals(ctx context.Context, olderThan time.Time) (int64, error)
}

// Service runs the periodic retention loop.
type Service struct {
	cfg   *config.RetentionConfig
	store Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service.
func NewService(cfg *config.RetentionConfig, store Store) *Service {
	return &Service{cfg: cfg, store: store}
}

// Start launches the background loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"interval", s.cfg.CleanupInterval,
		"event_retention", s.cfg.EventRetention,
		"approval_retention", s.cfg.ApprovalRetention)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one retention pass. Failures are logged and retried on the next
// tick.
func (s *Service) sweep(ctx context.Context) {
	now := time.Now()

	events, err := s.store.DeletePublishedEvents(ctx, now.Add(-s.cfg.EventRetention))
	if err != nil {
		slog.Error("Failed to delete aged outbox events", "error", err)
	}
	approvals, err := s.store.DeleteResolvedApprovals(ctx, now.Add(-s.cfg.ApprovalRetention))
	if err != nil {
		slog.Error("Failed to delete aged approval requests", "error", err)
	}

	if events > 0 || approvals > 0 {
		slog.Info("Retention sweep complete",
			"events_deleted", events, "approvals_deleted", approvals)
	}
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *database.Client
}

// NewSQLStore wraps the database client.
func NewSQLStore(db *database.Client) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) DeletePublishedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM event_outbox WHERE status = 'published' AND published_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SQLStore) DeleteResolvedApprovals(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM approval_requests WHERE status <> 'pending' AND resolved_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved approvals: %w", err)
	}
	return tag.RowsAffected(), nil
}
