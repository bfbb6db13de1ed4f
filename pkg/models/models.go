// Package models contains the domain entities, enums, and request/response
// types shared across services, workers, and the API layer.
package models

import (
	"encoding/json"
	"time"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser         MessageRole = "user"
	RoleAssistant    MessageRole = "assistant"
	RoleSystem       MessageRole = "system"
	RoleToolInternal MessageRole = "tool-internal"
)

// UserVisible reports whether messages of this role may be returned by the API.
func (r MessageRole) UserVisible() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// AgentStatus is the lifecycle state of a configured agent.
type AgentStatus string

const (
	AgentStatusReady AgentStatus = "ready"
	AgentStatusBusy  AgentStatus = "busy"
	AgentStatusError AgentStatus = "error"
)

// PlanStatus is the lifecycle state of a task plan.
type PlanStatus string

const (
	PlanStatusCreated         PlanStatus = "created"
	PlanStatusPendingApproval PlanStatus = "pending_approval"
	PlanStatusExecuting       PlanStatus = "executing"
	PlanStatusCompleted       PlanStatus = "completed"
	PlanStatusFailed          PlanStatus = "failed"
	PlanStatusRejected        PlanStatus = "rejected"
	PlanStatusPartialSuccess  PlanStatus = "partial_success"
)

// TaskStatus is the lifecycle state of a single plan task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// ApprovalStatus is the state of an approval request.
// Transitions are monotonic: pending → {approved, rejected, timeout}, then frozen.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusTimeout  ApprovalStatus = "timeout"
)

// ApprovalKind distinguishes tool-level from plan-level approvals.
type ApprovalKind string

const (
	ApprovalKindTool ApprovalKind = "tool"
	ApprovalKindPlan ApprovalKind = "plan"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// User is the root of ownership.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Project is owned by exactly one user; deletion cascades to children.
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// Agent is a configured LLM persona scoped to a project.
// (owner_id, project_id, name) is unique.
type Agent struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	ProjectID string      `json:"project_id"`
	Name      string      `json:"name"`
	Config    AgentConfig `json:"config"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// AgentRole is the tagged variant replacing per-role agent subclasses.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleArchitect    AgentRole = "architect"
	RoleCode         AgentRole = "code"
	RoleAsk          AgentRole = "ask"
	RoleDebug        AgentRole = "debug"
	RoleCustom       AgentRole = "custom"
)

// AgentConfig is the recognized polymorphic agent configuration record.
type AgentConfig struct {
	Role             AgentRole `json:"role"`
	Model            string    `json:"model"`
	SystemPrompt     string    `json:"system_prompt,omitempty"`
	Capabilities     []string  `json:"capabilities,omitempty"`
	Tools            []string  `json:"tools,omitempty"`
	ConcurrencyLimit int       `json:"concurrency_limit,omitempty"`
	Temperature      float32   `json:"temperature,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
}

// ChatSession groups messages and plans under (owner, project).
type ChatSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message. Payload carries optional structured data
// (tool results, routing decisions) and is opaque to the store.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	AgentID   *string         `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskPlan is a validated DAG of tasks pending or under execution.
type TaskPlan struct {
	ID                     string     `json:"id"`
	OwnerID                string     `json:"owner_id"`
	ProjectID              string     `json:"project_id"`
	SessionID              string     `json:"session_id"`
	OriginalRequest        string     `json:"original_request"`
	Status                 PlanStatus `json:"status"`
	TotalEstimatedCost     float64    `json:"total_estimated_cost"`
	TotalEstimatedDuration float64    `json:"total_estimated_duration"`
	RequiresApproval       bool       `json:"requires_approval"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// TaskPlanTask is one node of a plan DAG. Dependencies reference logical IDs
// ("t0", "t1", …) of tasks in the same plan; the relation must be acyclic.
type TaskPlanTask struct {
	ID                string     `json:"id"`
	PlanID            string     `json:"plan_id"`
	LogicalID         string     `json:"logical_id"`
	Description       string     `json:"description"`
	AssignedAgent     string     `json:"assigned_agent"`
	Dependencies      []string   `json:"dependencies"`
	EstimatedCost     float64    `json:"estimated_cost"`
	EstimatedDuration float64    `json:"estimated_duration"`
	Risk              string     `json:"risk"`
	Status            TaskStatus `json:"status"`
	Result            *string    `json:"result,omitempty"`
	Error             *string    `json:"error,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ApprovalRequest is a user-gated checkpoint for a risky operation.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Kind       ApprovalKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     ApprovalStatus  `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Decision   *string         `json:"decision,omitempty"`
}

// OutboxEvent is a durable domain event committed alongside its aggregate.
// ID is stable for the lifetime of the event and is the consumer
// deduplication key.
type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OwnerID       string          `json:"owner_id"`
	ProjectID     *string         `json:"project_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
}
