package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hiveplane/hiveplane/pkg/contextstore"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// Outcome is the result of one agent execution.
type Outcome struct {
	Success         bool      `json:"success"`
	Response        string    `json:"response"`
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	ContextUsed     int       `json:"context_used"`
	TokensUsed      int       `json:"tokens_used"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

// Instance is a live agent: one DB row materialized with its LLM client and
// context store. Instances are owned by a worker space and must not be
// shared across (owner, project) tuples.
type Instance struct {
	ID      string
	OwnerID string
	Name    string
	Config  models.AgentConfig

	llm   LLMClient
	store *contextstore.Store
}

// NewInstance materializes an agent row.
func NewInstance(row *models.Agent, llm LLMClient, store *contextstore.Store) *Instance {
	return &Instance{
		ID:      row.ID,
		OwnerID: row.OwnerID,
		Name:    row.Name,
		Config:  row.Config,
		llm:     llm,
		store:   store,
	}
}

// ContextStore returns the agent's vector collection.
func (a *Instance) ContextStore() *contextstore.Store { return a.store }

// Execute runs one message through the agent: retrieve top-k context for the
// message, assemble the conversation, and call the LLM. Tool-internal
// history is excluded from the conversation.
func (a *Instance) Execute(ctx context.Context, message string, history []models.Message, taskID *string) (*Outcome, error) {
	start := time.Now()

	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message must not be empty")
	}

	retrieved, err := a.store.Search(ctx, message, 0, contextstore.Filters{})
	if err != nil {
		// Degraded retrieval is not fatal; the agent answers without context.
		retrieved = nil
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if !m.Role.UserVisible() {
			continue
		}
		messages = append(messages, ChatMessage{Role: chatRole(m.Role), Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: openai.ChatMessageRoleUser, Content: message})

	resp, err := a.llm.Chat(ctx, ChatRequest{
		Model:       a.Config.Model,
		System:      a.systemPrompt(retrieved),
		Messages:    messages,
		Temperature: a.Config.Temperature,
		MaxTokens:   a.Config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s execution failed: %w", a.Name, err)
	}

	return &Outcome{
		Success:         true,
		Response:        resp.Content,
		AgentID:         a.ID,
		AgentName:       a.Name,
		ContextUsed:     len(retrieved),
		TokensUsed:      resp.TokensUsed,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}, nil
}

// systemPrompt combines the configured (or role-default) prompt with the
// retrieved context block.
func (a *Instance) systemPrompt(retrieved []contextstore.Result) string {
	prompt := a.Config.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt(a.Config.Role)
	}
	if len(retrieved) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRelevant context from earlier interactions:\n")
	for _, r := range retrieved {
		b.WriteString("- ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func chatRole(role models.MessageRole) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// defaultSystemPrompt is the fallback persona per role.
func defaultSystemPrompt(role models.AgentRole) string {
	switch role {
	case models.RoleOrchestrator:
		return "You coordinate work across specialized agents. Break requests into clear, delegable steps."
	case models.RoleArchitect:
		return "You are a software architect. Design systems, weigh trade-offs, and explain structural decisions."
	case models.RoleCode:
		return "You are a senior software engineer. Write correct, idiomatic code and explain it briefly."
	case models.RoleAsk:
		return "You answer questions clearly and concisely, citing the project context when relevant."
	case models.RoleDebug:
		return "You are a debugging specialist. Localize faults methodically and propose minimal fixes."
	default:
		return "You are a helpful assistant for a software project."
	}
}
