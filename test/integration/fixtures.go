//go:build integration

// Package integration exercises the persistence-backed components against a
// real PostgreSQL instance.
package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
)

func seedOwner(t *testing.T, db *database.Client) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO users (user_id, email) VALUES ($1, $2)`,
		id, id+"@hiveplane.local")
	require.NoError(t, err)
	return id
}

func seedProject(t *testing.T, db *database.Client, ownerID string) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO projects (project_id, owner_id, name) VALUES ($1, $2, $3)`,
		id, ownerID, "proj-"+id[:8])
	require.NoError(t, err)
	return id
}

func seedSession(t *testing.T, db *database.Client, ownerID, projectID string) string {
	t.Helper()
	id := uuid.New().String()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO chat_sessions (session_id, owner_id, project_id) VALUES ($1, $2, $3)`,
		id, ownerID, projectID)
	require.NoError(t, err)
	return id
}

// seedPlan inserts a plan row in 'created' state and returns its model.
func seedPlan(t *testing.T, db *database.Client, ownerID, projectID, sessionID string, cost float64) *models.TaskPlan {
	t.Helper()
	plan := &models.TaskPlan{
		ID:                 uuid.New().String(),
		OwnerID:            ownerID,
		ProjectID:          projectID,
		SessionID:          sessionID,
		OriginalRequest:    "deploy the staging stack",
		Status:             models.PlanStatusCreated,
		TotalEstimatedCost: cost,
	}
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO task_plans (plan_id, owner_id, project_id, session_id, original_request, status, total_estimated_cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		plan.ID, plan.OwnerID, plan.ProjectID, plan.SessionID,
		plan.OriginalRequest, plan.Status, plan.TotalEstimatedCost)
	require.NoError(t, err)
	return plan
}

func planStatus(t *testing.T, db *database.Client, planID string) models.PlanStatus {
	t.Helper()
	var status models.PlanStatus
	err := db.Pool().QueryRow(context.Background(),
		`SELECT status FROM task_plans WHERE plan_id = $1`, planID).Scan(&status)
	require.NoError(t, err)
	return status
}
