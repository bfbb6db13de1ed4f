package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// ProjectService manages users and their projects. Users are provisioned
// lazily from the authenticated ID on first use.
type ProjectService struct {
	db *database.Client
}

// NewProjectService creates the service.
func NewProjectService(db *database.Client) *ProjectService {
	return &ProjectService{db: db}
}

// EnsureUser provisions the user row for an authenticated ID. Idempotent.
func (s *ProjectService) EnsureUser(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return NewValidationError("user_id", "must be a UUID")
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO users (user_id, email)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, userID+"@hiveplane.local")
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// CreateProject creates a project owned by the user.
func (s *ProjectService) CreateProject(ctx context.Context, ownerID, name, workspacePath string) (*models.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}

	project := &models.Project{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Name:          name,
		WorkspacePath: workspacePath,
	}
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO projects (project_id, owner_id, name, workspace_path)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		project.ID, project.OwnerID, project.Name, project.WorkspacePath).
		Scan(&project.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// GetProject loads a project scoped to its owner.
func (s *ProjectService) GetProject(ctx context.Context, ownerID, projectID string) (*models.Project, error) {
	var project models.Project
	err := s.db.Pool().QueryRow(ctx, `
		SELECT project_id, owner_id, name, workspace_path, created_at
		FROM projects
		WHERE project_id = $1 AND owner_id = $2`,
		projectID, ownerID).
		Scan(&project.ID, &project.OwnerID, &project.Name, &project.WorkspacePath, &project.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &project, nil
}

// ListProjects returns the owner's projects, newest first.
func (s *ProjectService) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT project_id, owner_id, name, workspace_path, created_at
		FROM projects
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var project models.Project
		if err := rows.Scan(&project.ID, &project.OwnerID, &project.Name,
			&project.WorkspacePath, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	return out, nil
}

// DeleteProject removes a project; sessions, messages, agents, and plans
// cascade. The caller is responsible for tearing down any live worker space.
func (s *ProjectService) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM projects WHERE project_id = $1 AND owner_id = $2`,
		projectID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	return nil
}
