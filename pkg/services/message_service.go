package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/masking"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/outbox"
	"github.com/hiveplane/hiveplane/pkg/router"
	"github.com/hiveplane/hiveplane/pkg/stream"
	"github.com/hiveplane/hiveplane/pkg/workspace"
)

const historyWindow = 20

// MessageService runs the chat message flow: persist the user turn, hand the
// message to the owner's worker space, persist the agent's reply. Each
// persisted turn carries its stream event in the same transaction, so a crash
// between the two turns loses at most the reply, never a published-but-absent
// event.
type MessageService struct {
	db      *database.Client
	outbox  *outbox.Repository
	spaces  *workspace.Manager
	session *SessionService
	mask    *masking.Service
}

// NewMessageService creates the service.
func NewMessageService(db *database.Client, ob *outbox.Repository, spaces *workspace.Manager, session *SessionService, mask *masking.Service) *MessageService {
	return &MessageService{db: db, outbox: ob, spaces: spaces, session: session, mask: mask}
}

// MessageResponse is the synchronous result of one chat turn.
type MessageResponse struct {
	UserMessage      *models.Message  `json:"user_message"`
	AssistantMessage *models.Message  `json:"assistant_message"`
	AgentID          string           `json:"agent_id"`
	AgentName        string           `json:"agent_name"`
	Routing          *router.Decision `json:"routing,omitempty"`
	Switched         bool             `json:"agent_switched"`
	TokensUsed       int              `json:"tokens_used"`
	ExecutionTimeMS  int64            `json:"execution_time_ms"`
}

// HandleMessage processes one user message in a session. When targetAgent is
// set the message goes to that agent directly; otherwise the space routes it.
func (s *MessageService) HandleMessage(ctx context.Context, ownerID, sessionID, content string, targetAgent *string) (*MessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("content", "message content must not be empty")
	}

	session, err := s.session.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	history, err := s.session.ListMessages(ctx, ownerID, sessionID, historyWindow)
	if err != nil {
		return nil, err
	}

	// The agent sees the raw content; only the persisted copy is scrubbed.
	userMsg, err := s.persistMessage(ctx, session, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   s.mask.Mask(content),
	}, nil)
	if err != nil {
		return nil, err
	}

	space, err := s.spaces.GetOrCreate(ctx, ownerID, session.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker space: %w", err)
	}

	res, err := space.Handle(ctx, sessionID, content, targetAgent, history, nil)
	if err != nil {
		return nil, err
	}
	outcome := res.Outcome

	meta := map[string]any{
		"agent_id":          outcome.AgentID,
		"agent_name":        outcome.AgentName,
		"tokens_used":       outcome.TokensUsed,
		"execution_time_ms": outcome.ExecutionTimeMS,
		"context_used":      outcome.ContextUsed,
	}
	if res.Decision != nil {
		meta["routing"] = res.Decision
	}
	assistantContent := s.mask.Mask(outcome.Response)
	if !outcome.Success {
		assistantContent = outcome.Error
		meta["error"] = outcome.Error
	}

	assistantMsg, err := s.persistAssistant(ctx, session, outcome.AgentID, assistantContent, meta, res, targetAgent)
	if err != nil {
		return nil, err
	}

	out := &MessageResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		AgentID:          outcome.AgentID,
		AgentName:        outcome.AgentName,
		Switched:         res.Switched,
		TokensUsed:       outcome.TokensUsed,
		ExecutionTimeMS:  outcome.ExecutionTimeMS,
	}
	out.Routing = res.Decision

	slog.Info("Handled chat message",
		"session_id", sessionID,
		"agent", outcome.AgentName,
		"switched", res.Switched,
		"history_len", len(history),
		"duration_ms", outcome.ExecutionTimeMS)
	return out, nil
}

// persistMessage stores one message row together with its message_created
// event.
func (s *MessageService) persistMessage(ctx context.Context, session *models.ChatSession, m *models.Message, agentID *string) (*models.Message, error) {
	m.ID = uuid.New().String()
	m.AgentID = agentID
	m.CreatedAt = time.Now().UTC()
	if m.Payload == nil {
		m.Payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, session_id, role, content, agent_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.Role, m.Content, m.AgentID, m.Payload, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"session_id": m.SessionID,
		"message_id": m.ID,
		"role":       m.Role,
	})
	err = s.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
		AggregateType: "message",
		AggregateID:   m.ID,
		OwnerID:       session.OwnerID,
		ProjectID:     &session.ProjectID,
		EventType:     stream.EventMessageCreated,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record message event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return m, nil
}

// persistAssistant stores the agent reply plus its events: message_created
// always, agent_switched when routing moved the session to a different agent,
// direct_agent_call when the caller pinned the target.
func (s *MessageService) persistAssistant(ctx context.Context, session *models.ChatSession, agentID, content string, meta map[string]any, res *workspace.HandleResult, targetAgent *string) (*models.Message, error) {
	m := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if agentID != "" {
		m.AgentID = &agentID
	}
	m.Payload, _ = json.Marshal(meta)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, session_id, role, content, agent_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.Role, m.Content, m.AgentID, m.Payload, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert assistant message: %w", err)
	}

	record := func(eventType string, payload map[string]any) error {
		payload["session_id"] = session.ID
		raw, _ := json.Marshal(payload)
		return s.outbox.RecordEvent(ctx, tx, &models.OutboxEvent{
			AggregateType: "message",
			AggregateID:   m.ID,
			OwnerID:       session.OwnerID,
			ProjectID:     &session.ProjectID,
			EventType:     eventType,
			Payload:       raw,
		})
	}

	if err := record(stream.EventMessageCreated, map[string]any{
		"message_id": m.ID,
		"role":       m.Role,
		"agent_id":   agentID,
	}); err != nil {
		return nil, fmt.Errorf("failed to record message event: %w", err)
	}

	if res.Switched && res.Decision != nil {
		if err := record(stream.EventAgentSwitched, map[string]any{
			"agent_id":   res.Decision.AgentID,
			"agent_name": res.Decision.AgentName,
			"confidence": res.Decision.Confidence,
		}); err != nil {
			return nil, fmt.Errorf("failed to record switch event: %w", err)
		}
	}

	if targetAgent != nil && *targetAgent != "" {
		if err := record(stream.EventDirectAgentCall, map[string]any{
			"target":   *targetAgent,
			"agent_id": agentID,
		}); err != nil {
			return nil, fmt.Errorf("failed to record direct call event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit assistant message: %w", err)
	}
	return m, nil
}
