package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
)

// Filters narrows a similarity search.
type Filters struct {
	Kind    *string
	Success *bool
}

// Result is one similarity hit.
type Result struct {
	ID        string         `json:"id"`
	Score     float64        `json:"score"`
	Content   string         `json:"content"`
	Kind      string         `json:"kind"`
	TaskID    *string        `json:"task_id,omitempty"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stats describes a collection.
type Stats struct {
	Points   int    `json:"points"`
	Dim      int    `json:"dim"`
	Distance string `json:"distance"`
	Enabled  bool   `json:"enabled"`
}

// Store is one (owner, agent) vector collection. A nil database handle or
// embedder yields a disabled store.
type Store struct {
	db       *database.Client
	embedder Embedder
	cfg      *config.ContextConfig
	ownerID  string
	agentID  string
}

// NewStore creates the collection handle for (owner, agent).
func NewStore(db *database.Client, embedder Embedder, cfg *config.ContextConfig, ownerID, agentID string) *Store {
	return &Store{db: db, embedder: embedder, cfg: cfg, ownerID: ownerID, agentID: agentID}
}

// Enabled reports whether the store can persist and search vectors.
func (s *Store) Enabled() bool {
	return s.db != nil && s.embedder != nil
}

// Initialize verifies the collection is usable. Creation is handled by the
// schema migration, so this only validates configuration; it is idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if s.embedder.Dim() != s.cfg.EmbeddingDim {
		return fmt.Errorf("embedder dimension %d does not match configured %d",
			s.embedder.Dim(), s.cfg.EmbeddingDim)
	}
	return s.db.Pool().Ping(ctx)
}

// AddInteraction embeds content and stores it. On embedding failure it falls
// back to a deterministic hash-derived vector so the interaction is never
// lost. Returns the new point ID, or "" when the store is disabled.
func (s *Store) AddInteraction(ctx context.Context, content, kind string, taskID *string, success bool, metadata map[string]any) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if content == "" {
		return "", fmt.Errorf("content must not be empty")
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("Embedding failed, falling back to hash vector",
			"agent_id", s.agentID, "error", err)
		vec = HashEmbedding(content, s.cfg.EmbeddingDim)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	pointID := uuid.New().String()
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO context_vectors
			(point_id, owner_id, agent_id, embedding, content, kind, task_id, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pointID, s.ownerID, s.agentID, pgvector.NewVector(vec),
		content, kind, taskID, success, meta)
	if err != nil {
		return "", fmt.Errorf("failed to store interaction vector: %w", err)
	}

	s.maybePrune(ctx)
	return pointID, nil
}

// maybePrune drops the oldest vectors once the collection exceeds its cap,
// keeping prune_threshold of the cap. Failures only log; pruning is
// opportunistic.
func (s *Store) maybePrune(ctx context.Context) {
	var count int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM context_vectors WHERE owner_id = $1 AND agent_id = $2`,
		s.ownerID, s.agentID).Scan(&count)
	if err != nil || count <= s.cfg.MaxVectorsPerAgent {
		return
	}

	keep := int(float64(s.cfg.MaxVectorsPerAgent) * s.cfg.PruneThreshold)
	_, err = s.db.Pool().Exec(ctx, `
		DELETE FROM context_vectors
		WHERE point_id IN (
			SELECT point_id FROM context_vectors
			WHERE owner_id = $1 AND agent_id = $2
			ORDER BY created_at ASC
			LIMIT $3
		)`, s.ownerID, s.agentID, count-keep)
	if err != nil {
		slog.Warn("Context vector prune failed", "agent_id", s.agentID, "error", err)
		return
	}
	slog.Info("Pruned context vectors",
		"agent_id", s.agentID, "removed", count-keep, "kept", keep)
}

// Search returns the top-k cosine matches for query, newest data included as
// soon as it commits. k falls back to the configured search limit.
func (s *Store) Search(ctx context.Context, query string, k int, filters Filters) ([]Result, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if k <= 0 {
		k = s.cfg.SearchLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Query embedding failed, falling back to hash vector",
			"agent_id", s.agentID, "error", err)
		vec = HashEmbedding(query, s.cfg.EmbeddingDim)
	}

	sql := `
		SELECT point_id, content, kind, task_id, success, metadata, created_at,
		       1 - (embedding <=> $3) AS score
		FROM context_vectors
		WHERE owner_id = $1 AND agent_id = $2`
	args := []any{s.ownerID, s.agentID, pgvector.NewVector(vec)}
	if filters.Kind != nil {
		args = append(args, *filters.Kind)
		sql += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filters.Success != nil {
		args = append(args, *filters.Success)
		sql += fmt.Sprintf(" AND success = $%d", len(args))
	}
	args = append(args, k)
	sql += fmt.Sprintf(" ORDER BY embedding <=> $3 LIMIT $%d", len(args))

	rows, err := s.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search context vectors: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Content, &r.Kind, &r.TaskID,
			&r.Success, &meta, &r.Timestamp, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan context result: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read context results: %w", err)
	}
	return out, nil
}

// Clear drops every vector of the collection. The schema stays in place, so
// clear+reuse needs no re-initialization.
func (s *Store) Clear(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx,
		`DELETE FROM context_vectors WHERE owner_id = $1 AND agent_id = $2`,
		s.ownerID, s.agentID)
	if err != nil {
		return fmt.Errorf("failed to clear context vectors: %w", err)
	}
	return nil
}

// Stats reports the collection's size and configuration.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Dim: s.cfg.EmbeddingDim, Distance: "cosine", Enabled: s.Enabled()}
	if !s.Enabled() {
		return st, nil
	}
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM context_vectors WHERE owner_id = $1 AND agent_id = $2`,
		s.ownerID, s.agentID).Scan(&st.Points)
	if err != nil {
		return st, fmt.Errorf("failed to count context vectors: %w", err)
	}
	return st, nil
}
