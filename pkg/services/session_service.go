package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// SessionService manages chat sessions and their message history.
type SessionService struct {
	db *database.Client
}

// NewSessionService creates the service.
func NewSessionService(db *database.Client) *SessionService {
	return &SessionService{db: db}
}

// CreateSession opens a session under (owner, project). The project must
// exist and belong to the owner.
func (s *SessionService) CreateSession(ctx context.Context, ownerID, projectID string) (*models.ChatSession, error) {
	var exists bool
	err := s.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE project_id = $1 AND owner_id = $2)`,
		projectID, ownerID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}

	session := &models.ChatSession{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ProjectID: projectID,
	}
	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO chat_sessions (session_id, owner_id, project_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		session.ID, session.OwnerID, session.ProjectID).Scan(&session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession loads a session scoped to its owner.
func (s *SessionService) GetSession(ctx context.Context, ownerID, sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.db.Pool().QueryRow(ctx, `
		SELECT session_id, owner_id, project_id, created_at
		FROM chat_sessions
		WHERE session_id = $1 AND owner_id = $2`,
		sessionID, ownerID).
		Scan(&session.ID, &session.OwnerID, &session.ProjectID, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// ListSessions returns the owner's sessions in a project, newest first.
func (s *SessionService) ListSessions(ctx context.Context, ownerID, projectID string) ([]models.ChatSession, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT session_id, owner_id, project_id, created_at
		FROM chat_sessions
		WHERE owner_id = $1 AND project_id = $2
		ORDER BY created_at DESC`, ownerID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		var session models.ChatSession
		if err := rows.Scan(&session.ID, &session.OwnerID, &session.ProjectID, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session; messages and plans cascade.
func (s *SessionService) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM chat_sessions WHERE session_id = $1 AND owner_id = $2`,
		sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// ListMessages returns the session's user-visible messages, oldest first.
// Tool-internal messages never leave the service layer.
func (s *SessionService) ListMessages(ctx context.Context, ownerID, sessionID string, limit int) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT message_id, session_id, role, content, agent_id, payload, created_at
		FROM messages
		WHERE session_id = $1 AND role IN ('user', 'assistant', 'system')
		ORDER BY created_at ASC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&m.AgentID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}
