package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hiveplane/hiveplane/pkg/agent"
	"github.com/hiveplane/hiveplane/pkg/approval"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/executor"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/outbox"
	"github.com/hiveplane/hiveplane/pkg/stream"
	"github.com/hiveplane/hiveplane/pkg/taskgraph"
	"github.com/hiveplane/hiveplane/pkg/workspace"
)

// TaskSpec is the caller-supplied description of one plan task.
type TaskSpec struct {
	LogicalID         string   `json:"logical_id"`
	Description       string   `json:"description"`
	AssignedAgent     string   `json:"assigned_agent"`
	Dependencies      []string `json:"dependencies,omitempty"`
	EstimatedCost     float64  `json:"estimated_cost"`
	EstimatedDuration float64  `json:"estimated_duration"`
	Risk              string   `json:"risk,omitempty"`
}

// CreatePlanInput is the request to create a plan in a session.
type CreatePlanInput struct {
	SessionID       string     `json:"session_id"`
	OriginalRequest string     `json:"original_request"`
	Tasks           []TaskSpec `json:"tasks"`
}

// PlanDetail bundles a plan with its tasks and, when one was raised, the
// approval request gating it.
type PlanDetail struct {
	Plan     *models.TaskPlan        `json:"plan"`
	Tasks    []models.TaskPlanTask   `json:"tasks"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
}

// PlanService validates, persists, gates, and executes task plans.
type PlanService struct {
	db        *database.Client
	outbox    *outbox.Repository
	approvals *approval.Manager
	spaces    *workspace.Manager
	session   *SessionService
	cfg       *config.ExecutorConfig
}

// NewPlanService creates the service.
func NewPlanService(db *database.Client, ob *outbox.Repository, approvals *approval.Manager, spaces *workspace.Manager, session *SessionService, cfg *config.ExecutorConfig) *PlanService {
	return &PlanService{db: db, outbox: ob, approvals: approvals, spaces: spaces, session: session, cfg: cfg}
}

// CreatePlan validates the task DAG, persists the plan with its
// task_plan_created event, and raises the approval gate. Cheap low-risk plans
// come back ready to execute; the rest are pending approval.
func (s *PlanService) CreatePlan(ctx context.Context, ownerID string, in CreatePlanInput) (*PlanDetail, error) {
	if strings.TrimSpace(in.OriginalRequest) == "" {
		return nil, NewValidationError("original_request", "must not be empty")
	}

	session, err := s.session.GetSession(ctx, ownerID, in.SessionID)
	if err != nil {
		return nil, err
	}

	plan := &models.TaskPlan{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		ProjectID:       session.ProjectID,
		SessionID:       session.ID,
		OriginalRequest: in.OriginalRequest,
		Status:          models.PlanStatusCreated,
	}
	tasks := make([]models.TaskPlanTask, len(in.Tasks))
	for i, spec := range in.Tasks {
		riskLevel := spec.Risk
		if riskLevel == "" {
			riskLevel = "LOW"
		}
		deps := spec.Dependencies
		if deps == nil {
			deps = []string{}
		}
		tasks[i] = models.TaskPlanTask{
			ID:                uuid.New().String(),
			PlanID:            plan.ID,
			LogicalID:         spec.LogicalID,
			Description:       spec.Description,
			AssignedAgent:     spec.AssignedAgent,
			Dependencies:      deps,
			EstimatedCost:     spec.EstimatedCost,
			EstimatedDuration: spec.EstimatedDuration,
			Risk:              riskLevel,
			Status:            models.TaskStatusPending,
		}
	}

	refs := make([]*models.TaskPlanTask, len(tasks))
	for i := range tasks {
		refs[i] = &tasks[i]
	}
	graph := taskgraph.New(refs)
	if err := graph.Validate(); err != nil {
		return nil, NewValidationError("tasks", err.Error())
	}
	plan.TotalEstimatedCost = graph.TotalCost()
	plan.TotalEstimatedDuration = graph.TotalDuration()

	if err := s.insertPlan(ctx, session, plan, tasks); err != nil {
		return nil, err
	}

	req, err := s.approvals.RequestPlan(ctx, plan, tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to raise plan approval: %w", err)
	}
	if req.Status == models.ApprovalStatusPending {
		plan.Status = models.PlanStatusPendingApproval
		plan.RequiresApproval = true
	}

	slog.Info("Created task plan",
		"plan_id", plan.ID,
		"session_id", plan.SessionID,
		"tasks", len(tasks),
		"status", plan.Status,
		"total_cost", plan.TotalEstimatedCost)
	return &PlanDetail{Plan: plan, Tasks: tasks, Approval: req}, nil
}

// insertPlan writes the plan, its tasks, and the task_plan_created event in
// one transaction.
func (s *PlanService) insertPlan(ctx context.Context, session *models.ChatSession, plan *models.TaskPlan, tasks []models.TaskPlanTask) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx, `
		INSERT INTO task_plans (plan_id, owner_id, project_id, session_id, original_request,
		                        status, total_estimated_cost, total_estimated_duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		plan.ID, plan.OwnerID, plan.ProjectID, plan.SessionID, plan.OriginalRequest,
		plan.Status, plan.TotalEstimatedCost, plan.TotalEstimatedDuration).
		Scan(&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for i := range tasks {
		t := &tasks[i]
		deps, _ := json.Marshal(t.Dependencies)
		_, err = tx.Exec(ctx, `
			INSERT INTO task_plan_tasks (task_id, plan_id, logical_id, description, assigned_agent,
			                             dependencies, estimated_cost, estimated_duration, risk, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.PlanID, t.LogicalID, t.Description, t.AssignedAgent,
			deps, t.EstimatedCost, t.EstimatedDuration, t.Risk, t.Status)
		if err != nil {
			return fmt.Errorf("failed to insert plan task %s: %w", t.LogicalID, err)
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"session_id": plan.SessionID,
		"plan_id":    plan.ID,
		"task_count": len(tasks),
		"total_cost": plan.TotalEstimatedCost,
	})
	err = s.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
		AggregateType: "task_plan",
		AggregateID:   plan.ID,
		OwnerID:       session.OwnerID,
		ProjectID:     &session.ProjectID,
		EventType:     stream.EventTaskPlanCreated,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("failed to record plan event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan with its tasks, owner-scoped.
func (s *PlanService) GetPlan(ctx context.Context, ownerID, planID string) (*PlanDetail, error) {
	plan, err := s.loadPlan(ctx, ownerID, planID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &PlanDetail{Plan: plan, Tasks: tasks}, nil
}

// ListPlans returns the session's plans, newest first.
func (s *PlanService) ListPlans(ctx context.Context, ownerID, sessionID string) ([]models.TaskPlan, error) {
	if _, err := s.session.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.Pool().Query(ctx, planColumnsQuery+`
		WHERE session_id = $1 AND owner_id = $2
		ORDER BY created_at DESC`, sessionID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []models.TaskPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plans: %w", err)
	}
	return out, nil
}

// ExecutePlan runs an approved (or never-gated) plan over the owner's worker
// space. Task rows and their task_started / task_completed events are updated
// as execution progresses; the final plan status reflects the aggregate.
func (s *PlanService) ExecutePlan(ctx context.Context, ownerID, planID string) (*executor.PlanResult, error) {
	plan, err := s.loadPlan(ctx, ownerID, planID)
	if err != nil {
		return nil, err
	}
	switch plan.Status {
	case models.PlanStatusCreated:
	case models.PlanStatusPendingApproval:
		return nil, NewValidationError("status", "plan is awaiting approval")
	case models.PlanStatusRejected:
		return nil, NewValidationError("status", "plan was rejected")
	case models.PlanStatusExecuting:
		return nil, NewValidationError("status", "plan is already executing")
	default:
		return nil, NewValidationError("status", fmt.Sprintf("plan already finished with status %s", plan.Status))
	}

	tasks, err := s.loadTasks(ctx, planID)
	if err != nil {
		return nil, err
	}

	// Claim the plan; a concurrent execute loses the race here.
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE task_plans SET status = $2, updated_at = now() WHERE plan_id = $1 AND status = $3`,
		planID, models.PlanStatusExecuting, models.PlanStatusCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to claim plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, NewValidationError("status", "plan is already executing")
	}

	space, err := s.spaces.GetOrCreate(ctx, ownerID, plan.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker space: %w", err)
	}

	byLogical := make(map[string]models.TaskPlanTask, len(tasks))
	for _, t := range tasks {
		byLogical[t.LogicalID] = t
	}
	runner := &trackingRunner{
		inner:     executor.SpaceRunner{Space: space},
		svc:       s,
		plan:      plan,
		byLogical: byLogical,
	}

	result := executor.New(runner, s.cfg).Execute(ctx, plan, tasks)

	finalStatus := models.PlanStatusPartialSuccess
	switch {
	case result.Success:
		finalStatus = models.PlanStatusCompleted
	case result.Completed == 0:
		finalStatus = models.PlanStatusFailed
	}
	_, err = s.db.Pool().Exec(ctx,
		`UPDATE task_plans SET status = $2, updated_at = now() WHERE plan_id = $1`,
		planID, finalStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize plan: %w", err)
	}

	slog.Info("Executed task plan",
		"plan_id", planID,
		"status", finalStatus,
		"completed", result.Completed,
		"failed", result.Failed,
		"duration_ms", result.DurationMS)
	return result, nil
}

const planColumnsQuery = `
	SELECT plan_id, owner_id, project_id, session_id, original_request, status,
	       total_estimated_cost, total_estimated_duration, requires_approval,
	       created_at, updated_at
	FROM task_plans`

type planScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row planScanner) (*models.TaskPlan, error) {
	var plan models.TaskPlan
	err := row.Scan(&plan.ID, &plan.OwnerID, &plan.ProjectID, &plan.SessionID,
		&plan.OriginalRequest, &plan.Status, &plan.TotalEstimatedCost,
		&plan.TotalEstimatedDuration, &plan.RequiresApproval,
		&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	return &plan, nil
}

func (s *PlanService) loadPlan(ctx context.Context, ownerID, planID string) (*models.TaskPlan, error) {
	row := s.db.Pool().QueryRow(ctx, planColumnsQuery+`
		WHERE plan_id = $1 AND owner_id = $2`, planID, ownerID)
	plan, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *PlanService) loadTasks(ctx context.Context, planID string) ([]models.TaskPlanTask, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT task_id, plan_id, logical_id, description, assigned_agent, dependencies,
		       estimated_cost, estimated_duration, risk, status, result, error,
		       started_at, completed_at
		FROM task_plan_tasks
		WHERE plan_id = $1
		ORDER BY logical_id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan tasks: %w", err)
	}
	defer rows.Close()

	var out []models.TaskPlanTask
	for rows.Next() {
		var t models.TaskPlanTask
		var deps []byte
		if err := rows.Scan(&t.ID, &t.PlanID, &t.LogicalID, &t.Description, &t.AssignedAgent,
			&deps, &t.EstimatedCost, &t.EstimatedDuration, &t.Risk, &t.Status,
			&t.Result, &t.Error, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan task: %w", err)
		}
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode task dependencies: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan tasks: %w", err)
	}
	return out, nil
}

// trackingRunner wraps the space runner, mirroring each task's lifecycle into
// its row and the outbox. Progress writes use short standalone transactions;
// a failed write is logged, not fatal, so execution never wedges on event
// bookkeeping.
type trackingRunner struct {
	inner     executor.Runner
	svc       *PlanService
	plan      *models.TaskPlan
	byLogical map[string]models.TaskPlanTask
}

func (r *trackingRunner) Run(ctx context.Context, agentRef, prompt, logicalID string) (*agent.Outcome, error) {
	row, ok := r.byLogical[logicalID]
	if ok {
		r.markStarted(ctx, row)
	}

	outcome, err := r.inner.Run(ctx, agentRef, prompt, logicalID)

	if ok {
		r.markDone(ctx, row, outcome, err)
	}
	return outcome, err
}

func (r *trackingRunner) markStarted(ctx context.Context, row models.TaskPlanTask) {
	s := r.svc
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		slog.Warn("Failed to begin task-start transaction", "task_id", row.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`UPDATE task_plan_tasks SET status = $2, started_at = now() WHERE task_id = $1`,
		row.ID, models.TaskStatusExecuting)
	if err == nil {
		payload, _ := json.Marshal(map[string]any{
			"session_id": r.plan.SessionID,
			"plan_id":    row.PlanID,
			"task_id":    row.ID,
			"logical_id": row.LogicalID,
		})
		err = s.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
			AggregateType: "task",
			AggregateID:   row.ID,
			OwnerID:       r.plan.OwnerID,
			ProjectID:     &r.plan.ProjectID,
			EventType:     stream.EventTaskStarted,
			Payload:       payload,
		})
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		slog.Warn("Failed to record task start", "task_id", row.ID, "error", err)
	}
}

func (r *trackingRunner) markDone(ctx context.Context, row models.TaskPlanTask, outcome *agent.Outcome, runErr error) {
	s := r.svc
	status := models.TaskStatusCompleted
	var result, taskErr *string
	switch {
	case runErr != nil:
		status = models.TaskStatusFailed
		msg := runErr.Error()
		taskErr = &msg
	case outcome != nil && !outcome.Success:
		status = models.TaskStatusFailed
		msg := outcome.Error
		taskErr = &msg
	case outcome != nil:
		result = &outcome.Response
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		slog.Warn("Failed to begin task-done transaction", "task_id", row.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		UPDATE task_plan_tasks
		SET status = $2, result = $3, error = $4, completed_at = now()
		WHERE task_id = $1`,
		row.ID, status, result, taskErr)
	if err == nil {
		payload, _ := json.Marshal(map[string]any{
			"session_id": r.plan.SessionID,
			"plan_id":    row.PlanID,
			"task_id":    row.ID,
			"logical_id": row.LogicalID,
			"status":     status,
		})
		err = s.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
			AggregateType: "task",
			AggregateID:   row.ID,
			OwnerID:       r.plan.OwnerID,
			ProjectID:     &r.plan.ProjectID,
			EventType:     stream.EventTaskCompleted,
			Payload:       payload,
		})
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		slog.Warn("Failed to record task completion", "task_id", row.ID, "error", err)
	}
}
