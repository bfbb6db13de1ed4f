// Package approval implements the user-approval gate: risk classification of
// incoming operations, auto-approval of cheap low-risk ones, and a monotonic
// pending → {approved, rejected, timeout} state machine with data-driven
// timeouts. There is no background sweep; every load checks expiry
// opportunistically.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/risk"
	"github.com/hiveplane/hiveplane/pkg/stream"
)

// Payload is the structured content of an approval request. Kind-specific
// fields are optional; Risk and TimeoutSeconds are always set.
type Payload struct {
	Risk           risk.Level     `json:"risk"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	ProjectID      string         `json:"project_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolParams     map[string]any `json:"tool_params,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
}

// ToolRequest describes a tool invocation awaiting the gate.
type ToolRequest struct {
	OwnerID   string
	ProjectID string
	SessionID string
	AgentID   string
	Name      string
	Params    map[string]any
}

// Broadcaster delivers transient events that bypass the outbox. Timeout
// warnings are advisory and need no durability; everything else flows
// through the outbox.
type Broadcaster interface {
	BroadcastToOwner(ctx context.Context, ownerID string, ev stream.Event, buffer bool) int
}

// OutboxRecorder appends a domain event to the caller's transaction.
type OutboxRecorder interface {
	RecordEvent(ctx context.Context, tx pgx.Tx, ev *models.OutboxEvent) error
}

// Manager owns the approval state machine.
type Manager struct {
	db     *database.Client
	outbox OutboxRecorder
	broker Broadcaster
	cfg    *config.ApprovalConfig

	now func() time.Time
}

// NewManager creates an approval manager.
func NewManager(db *database.Client, outbox OutboxRecorder, broker Broadcaster, cfg *config.ApprovalConfig) *Manager {
	return &Manager{db: db, outbox: outbox, broker: broker, cfg: cfg, now: time.Now}
}

// RequestPlan gates a task plan. Cheap low-risk plans are auto-approved;
// everything else is inserted pending, the plan is moved to
// pending_approval, and an approval_required event is recorded — all in one
// transaction.
func (m *Manager) RequestPlan(ctx context.Context, plan *models.TaskPlan, tasks []models.TaskPlanTask) (*models.ApprovalRequest, error) {
	risks := make([]risk.Level, 0, len(tasks))
	for _, t := range tasks {
		risks = append(risks, risk.Level(t.Risk))
	}
	level := risk.AssessPlan(risk.PlanSummary{
		TotalCost:     plan.TotalEstimatedCost,
		TotalDuration: plan.TotalEstimatedDuration,
		TaskRisks:     risks,
	})

	payload := Payload{
		Risk:           level,
		TimeoutSeconds: m.timeoutSeconds(level),
		ProjectID:      plan.ProjectID,
		SessionID:      plan.SessionID,
		PlanID:         plan.ID,
	}

	if risk.AutoApprove(level, plan.TotalEstimatedCost) {
		return m.insertAutoApproved(ctx, plan.OwnerID, models.ApprovalKindPlan, payload)
	}

	return m.insertPending(ctx, plan.OwnerID, models.ApprovalKindPlan, payload, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE task_plans SET status = $2, requires_approval = true, updated_at = now() WHERE plan_id = $1`,
			plan.ID, models.PlanStatusPendingApproval)
		if err != nil {
			return fmt.Errorf("failed to mark plan pending approval: %w", err)
		}
		return nil
	})
}

// RequestTool gates a single tool invocation.
func (m *Manager) RequestTool(ctx context.Context, req ToolRequest) (*models.ApprovalRequest, error) {
	level := risk.AssessTool(req.Name, req.Params)
	payload := Payload{
		Risk:           level,
		TimeoutSeconds: m.timeoutSeconds(level),
		ProjectID:      req.ProjectID,
		SessionID:      req.SessionID,
		ToolName:       req.Name,
		ToolParams:     req.Params,
		AgentID:        req.AgentID,
	}

	// Tool calls carry no cost estimate; only the risk level decides.
	if risk.AutoApprove(level, 0) {
		return m.insertAutoApproved(ctx, req.OwnerID, models.ApprovalKindTool, payload)
	}
	return m.insertPending(ctx, req.OwnerID, models.ApprovalKindTool, payload, nil)
}

// Confirm approves a pending request. A request that expired before the
// confirmation arrived transitions to timeout and the caller gets ErrGone.
func (m *Manager) Confirm(ctx context.Context, ownerID, id string) (*models.ApprovalRequest, error) {
	return m.resolve(ctx, ownerID, id, models.ApprovalStatusApproved, "approved")
}

// Reject rejects a pending request. Rejecting a plan approval also moves the
// linked plan to rejected in the same transaction.
func (m *Manager) Reject(ctx context.Context, ownerID, id, reason string) (*models.ApprovalRequest, error) {
	if reason == "" {
		reason = "rejected by user"
	}
	return m.resolve(ctx, ownerID, id, models.ApprovalStatusRejected, reason)
}

// CheckTimeout opportunistically expires a pending request. Returns true if
// this call performed the pending → timeout transition. When the request is
// still live but inside the warning window, a transient
// approval_timeout_warning is broadcast; it may fire on every check and
// consumers deduplicate.
func (m *Manager) CheckTimeout(ctx context.Context, ownerID, id string) (bool, error) {
	tx, err := m.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	req, payload, err := m.lockRequest(ctx, tx, ownerID, id)
	if err != nil {
		return false, err
	}
	if req.Status != models.ApprovalStatusPending {
		return false, nil
	}

	now := m.now()
	if Expired(req.CreatedAt, payload.TimeoutSeconds, now) {
		if err := m.transition(ctx, tx, req, payload, models.ApprovalStatusTimeout, "timeout", now); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit timeout transition: %w", err)
		}
		return true, nil
	}

	if InWarningWindow(req.CreatedAt, payload.TimeoutSeconds, m.cfg.WarningBeforeTimeout, now) {
		m.broker.BroadcastToOwner(ctx, ownerID, stream.Event{
			EventType: stream.EventApprovalTimeoutWarning,
			Payload: map[string]any{
				"approval_id": req.ID,
				"session_id":  payload.SessionID,
				"expires_at":  req.CreatedAt.Add(time.Duration(payload.TimeoutSeconds) * time.Second).UTC().Format(time.RFC3339),
			},
			Timestamp: now,
		}, false)
	}
	return false, nil
}

// Get loads a request scoped to its owner, expiring it first if overdue.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (*models.ApprovalRequest, error) {
	if _, err := m.CheckTimeout(ctx, ownerID, id); err != nil {
		return nil, err
	}
	req, _, err := m.fetch(ctx, ownerID, id)
	return req, err
}

// ListPending returns the owner's pending requests, oldest first.
func (m *Manager) ListPending(ctx context.Context, ownerID string) ([]models.ApprovalRequest, error) {
	rows, err := m.db.Pool().Query(ctx, `
		SELECT approval_id, owner_id, kind, payload, status, created_at, resolved_at, decision
		FROM approval_requests
		WHERE owner_id = $1 AND status = 'pending'
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		var req models.ApprovalRequest
		if err := rows.Scan(&req.ID, &req.OwnerID, &req.Kind, &req.Payload,
			&req.Status, &req.CreatedAt, &req.ResolvedAt, &req.Decision); err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read approval requests: %w", err)
	}
	return out, nil
}

// resolve performs the single allowed pending → resolved transition.
func (m *Manager) resolve(ctx context.Context, ownerID, id string, status models.ApprovalStatus, decision string) (*models.ApprovalRequest, error) {
	tx, err := m.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	req, payload, err := m.lockRequest(ctx, tx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.ApprovalStatusPending {
		return nil, models.ErrAlreadyResolved
	}

	now := m.now()
	if Expired(req.CreatedAt, payload.TimeoutSeconds, now) {
		if err := m.transition(ctx, tx, req, payload, models.ApprovalStatusTimeout, "timeout", now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit timeout transition: %w", err)
		}
		return nil, models.ErrGone
	}

	if err := m.transition(ctx, tx, req, payload, status, decision, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit approval transition: %w", err)
	}

	req.Status = status
	req.ResolvedAt = &now
	req.Decision = &decision
	return req, nil
}

// transition writes the status change and records the matching outbox event
// inside tx. It never commits.
func (m *Manager) transition(ctx context.Context, tx pgx.Tx, req *models.ApprovalRequest, payload Payload, status models.ApprovalStatus, decision string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_at = $3, decision = $4
		WHERE approval_id = $1`,
		req.ID, status, now, decision)
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}

	// A resolved plan approval moves the linked plan in the same transaction:
	// back to created (ready to execute) on approve, to rejected otherwise.
	if req.Kind == models.ApprovalKindPlan && payload.PlanID != "" {
		planStatus := models.PlanStatusCreated
		if status != models.ApprovalStatusApproved {
			planStatus = models.PlanStatusRejected
		}
		_, err := tx.Exec(ctx,
			`UPDATE task_plans SET status = $2, updated_at = now() WHERE plan_id = $1 AND status = $3`,
			payload.PlanID, planStatus, models.PlanStatusPendingApproval)
		if err != nil {
			return fmt.Errorf("failed to update linked plan: %w", err)
		}
	}

	eventType := stream.EventApprovalResolved
	if status == models.ApprovalStatusTimeout {
		eventType = stream.EventApprovalTimeout
	}
	return m.recordEvent(ctx, tx, req.OwnerID, payload, eventType, map[string]any{
		"approval_id": req.ID,
		"kind":        req.Kind,
		"status":      status,
		"decision":    decision,
		"session_id":  payload.SessionID,
	})
}

func (m *Manager) insertAutoApproved(ctx context.Context, ownerID string, kind models.ApprovalKind, payload Payload) (*models.ApprovalRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval payload: %w", err)
	}
	req := &models.ApprovalRequest{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Kind:    kind,
		Payload: raw,
		Status:  models.ApprovalStatusApproved,
	}
	now := m.now()
	decision := "auto"
	_, err = m.db.Pool().Exec(ctx, `
		INSERT INTO approval_requests (approval_id, owner_id, kind, payload, status, resolved_at, decision)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.OwnerID, req.Kind, req.Payload, req.Status, now, decision)
	if err != nil {
		return nil, fmt.Errorf("failed to insert auto-approved request: %w", err)
	}
	req.ResolvedAt = &now
	req.Decision = &decision
	return req, nil
}

// insertPending inserts a pending request plus its approval_required event;
// extra runs additional statements in the same transaction.
func (m *Manager) insertPending(ctx context.Context, ownerID string, kind models.ApprovalKind, payload Payload, extra func(context.Context, pgx.Tx) error) (*models.ApprovalRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval payload: %w", err)
	}
	req := &models.ApprovalRequest{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Kind:    kind,
		Payload: raw,
		Status:  models.ApprovalStatusPending,
	}

	tx, err := m.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_requests (approval_id, owner_id, kind, payload, status)
		VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.OwnerID, req.Kind, req.Payload, req.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to insert approval request: %w", err)
	}

	if extra != nil {
		if err := extra(ctx, tx); err != nil {
			return nil, err
		}
	}

	err = m.recordEvent(ctx, tx, ownerID, payload, stream.EventApprovalRequired, map[string]any{
		"approval_id":     req.ID,
		"kind":            kind,
		"risk":            payload.Risk,
		"timeout_seconds": payload.TimeoutSeconds,
		"session_id":      payload.SessionID,
		"plan_id":         payload.PlanID,
		"tool_name":       payload.ToolName,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit approval request: %w", err)
	}
	return req, nil
}

func (m *Manager) recordEvent(ctx context.Context, tx pgx.Tx, ownerID string, payload Payload, eventType string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode approval event: %w", err)
	}
	approvalID, _ := body["approval_id"].(string)
	// Tool approvals may be project-less; the outbox column is nullable.
	var projectID *string
	if payload.ProjectID != "" {
		projectID = &payload.ProjectID
	}
	return m.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
		AggregateType: "approval",
		AggregateID:   approvalID,
		OwnerID:       ownerID,
		ProjectID:     projectID,
		EventType:     eventType,
		Payload:       raw,
	})
}

// lockRequest loads a request FOR UPDATE, owner-scoped.
func (m *Manager) lockRequest(ctx context.Context, tx pgx.Tx, ownerID, id string) (*models.ApprovalRequest, Payload, error) {
	var req models.ApprovalRequest
	err := tx.QueryRow(ctx, `
		SELECT approval_id, owner_id, kind, payload, status, created_at, resolved_at, decision
		FROM approval_requests
		WHERE approval_id = $1 AND owner_id = $2
		FOR UPDATE`, id, ownerID).
		Scan(&req.ID, &req.OwnerID, &req.Kind, &req.Payload,
			&req.Status, &req.CreatedAt, &req.ResolvedAt, &req.Decision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Payload{}, models.ErrNotFound
	}
	if err != nil {
		return nil, Payload{}, fmt.Errorf("failed to load approval request: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, Payload{}, fmt.Errorf("failed to decode approval payload: %w", err)
	}
	return &req, payload, nil
}

func (m *Manager) fetch(ctx context.Context, ownerID, id string) (*models.ApprovalRequest, Payload, error) {
	var req models.ApprovalRequest
	err := m.db.Pool().QueryRow(ctx, `
		SELECT approval_id, owner_id, kind, payload, status, created_at, resolved_at, decision
		FROM approval_requests
		WHERE approval_id = $1 AND owner_id = $2`, id, ownerID).
		Scan(&req.ID, &req.OwnerID, &req.Kind, &req.Payload,
			&req.Status, &req.CreatedAt, &req.ResolvedAt, &req.Decision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Payload{}, models.ErrNotFound
	}
	if err != nil {
		return nil, Payload{}, fmt.Errorf("failed to load approval request: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, Payload{}, fmt.Errorf("failed to decode approval payload: %w", err)
	}
	return &req, payload, nil
}

// timeoutSeconds picks the decision window for a risk level. Low-risk
// requests that still need approval (cost at or above the auto-approve cap)
// use the configured default rather than no deadline.
func (m *Manager) timeoutSeconds(level risk.Level) int {
	if d := risk.ApprovalTimeout(level); d > 0 {
		return int(d / time.Second)
	}
	return int(m.cfg.Timeout / time.Second)
}

// Expired reports whether a pending request created at createdAt with the
// given window has passed its deadline. A non-positive window never expires.
func Expired(createdAt time.Time, timeoutSeconds int, now time.Time) bool {
	if timeoutSeconds <= 0 {
		return false
	}
	return now.Sub(createdAt) > time.Duration(timeoutSeconds)*time.Second
}

// InWarningWindow reports whether the remaining decision time is positive
// but at most the warning threshold.
func InWarningWindow(createdAt time.Time, timeoutSeconds int, warning time.Duration, now time.Time) bool {
	if timeoutSeconds <= 0 {
		return false
	}
	remaining := createdAt.Add(time.Duration(timeoutSeconds) * time.Second).Sub(now)
	return remaining > 0 && remaining <= warning
}
