package workspace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// AgentRepo is the persistence surface a space needs for its agents.
type AgentRepo interface {
	ListAgents(ctx context.Context, ownerID, projectID string) ([]*models.Agent, error)
	InsertAgent(ctx context.Context, a *models.Agent) error
	DeleteAgent(ctx context.Context, ownerID, agentID string) error
}

// SQLAgentRepo is the Postgres-backed AgentRepo.
type SQLAgentRepo struct {
	db *database.Client
}

// NewSQLAgentRepo wraps the database client.
func NewSQLAgentRepo(db *database.Client) *SQLAgentRepo {
	return &SQLAgentRepo{db: db}
}

func (r *SQLAgentRepo) ListAgents(ctx context.Context, ownerID, projectID string) ([]*models.Agent, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT agent_id, owner_id, project_id, name, config, status, created_at
		FROM agents
		WHERE owner_id = $1 AND project_id = $2
		ORDER BY created_at ASC`, ownerID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var a models.Agent
		var cfg []byte
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.ProjectID, &a.Name,
			&cfg, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return nil, fmt.Errorf("failed to decode agent config: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agents: %w", err)
	}
	return out, nil
}

func (r *SQLAgentRepo) InsertAgent(ctx context.Context, a *models.Agent) error {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("failed to encode agent config: %w", err)
	}
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO agents (agent_id, owner_id, project_id, name, config, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.OwnerID, a.ProjectID, a.Name, cfg, a.Status)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (r *SQLAgentRepo) DeleteAgent(ctx context.Context, ownerID, agentID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM agents WHERE agent_id = $1 AND owner_id = $2`, agentID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
