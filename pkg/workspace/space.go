// Package workspace implements the per-(user, project) runtime container and
// its process-wide manager. A space owns the project's agent instances,
// their context stores, and their registrations on the shared agent bus;
// exactly one space exists per live (user, project) tuple.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/agent"
	"github.com/hiveplane/hiveplane/pkg/bus"
	"github.com/hiveplane/hiveplane/pkg/cache"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/contextstore"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/router"
)

// presenceTTL bounds the workspace presence marker in the cache.
const presenceTTL = 24 * time.Hour

// execPayload is the unit of work submitted to the bus for an agent.
type execPayload struct {
	message string
	history []models.Message
	taskID  *string
}

// Deps bundles the process-wide collaborators a space needs.
type Deps struct {
	DB       *database.Client
	Cache    cache.Client
	Bus      *bus.Bus
	LLM      agent.LLMClient
	Embedder contextstore.Embedder
	Repo     AgentRepo
	Config   *config.Config
}

// HandleResult is the outcome of a routed or direct execution.
type HandleResult struct {
	Outcome  *agent.Outcome
	Decision *router.Decision // nil for direct calls
	Switched bool             // routing picked a different agent than last time
}

// SpaceStats is a thin health/metrics snapshot.
type SpaceStats struct {
	OwnerID        string `json:"owner_id"`
	ProjectID      string `json:"project_id"`
	AgentCount     int    `json:"agent_count"`
	Initialized    bool   `json:"initialized"`
	InitDurationMS int64  `json:"init_duration_ms"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Healthy        bool   `json:"healthy"`
}

// Space is the per-(owner, project) container. All state is guarded by the
// per-instance lock; agent handlers run outside it on the bus.
type Space struct {
	ownerID   string
	projectID string
	deps      Deps

	mu            sync.Mutex
	agents        map[string]*agent.Instance
	lastBySession map[string]string // session → agent id last used
	initialized   bool
	initDuration  time.Duration
	startedAt     time.Time
}

// NewSpace constructs an uninitialized space.
func NewSpace(ownerID, projectID string, deps Deps) *Space {
	return &Space{
		ownerID:       ownerID,
		projectID:     projectID,
		deps:          deps,
		agents:        make(map[string]*agent.Instance),
		lastBySession: make(map[string]string),
	}
}

// Initialize loads the project's agents and registers each with the bus.
// Single-flight under the instance lock; a second call is a no-op.
func (s *Space) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	start := time.Now()

	rows, err := s.deps.Repo.ListAgents(ctx, s.ownerID, s.projectID)
	if err != nil {
		return fmt.Errorf("failed to load agents for workspace: %w", err)
	}
	for _, row := range rows {
		s.attachLocked(row)
	}

	if s.deps.Cache != nil {
		// Presence marker for cross-process visibility; nothing reads it
		// back yet, the key exists for operational inspection.
		if err := s.deps.Cache.Set(ctx, s.presenceKey(), []byte("1"), presenceTTL); err != nil {
			slog.Warn("Failed to set workspace presence key", "error", err)
		}
	}

	s.initialized = true
	s.initDuration = time.Since(start)
	s.startedAt = time.Now()
	slog.Info("Workspace initialized",
		"owner_id", s.ownerID, "project_id", s.projectID,
		"agents", len(s.agents), "took", s.initDuration)
	return nil
}

// attachLocked materializes a row and registers it with the bus. Caller
// holds s.mu.
func (s *Space) attachLocked(row *models.Agent) {
	store := contextstore.NewStore(s.deps.DB, s.deps.Embedder, s.deps.Config.Context, row.OwnerID, row.ID)
	inst := agent.NewInstance(row, s.deps.LLM, store)
	s.agents[row.ID] = inst

	s.deps.Bus.Register(row.ID, func(ctx context.Context, task bus.Task) (any, error) {
		p, ok := task.Payload.(*execPayload)
		if !ok {
			return nil, fmt.Errorf("unexpected task payload %T", task.Payload)
		}
		return inst.Execute(ctx, p.message, p.history, p.taskID)
	}, row.Config.ConcurrencyLimit)
}

// GetAgent returns a live instance by id.
func (s *Space) GetAgent(id string) (*agent.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.agents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return inst, nil
}

// Agents returns the live instances sorted by name.
func (s *Space) Agents() []*agent.Instance {
	s.mu.Lock()
	out := make([]*agent.Instance, 0, len(s.agents))
	for _, inst := range s.agents {
		out = append(out, inst)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddAgent persists a new agent and brings it live in one step.
func (s *Space) AddAgent(ctx context.Context, name string, cfg models.AgentConfig) (*models.Agent, error) {
	row := &models.Agent{
		ID:        uuid.New().String(),
		OwnerID:   s.ownerID,
		ProjectID: s.projectID,
		Name:      name,
		Config:    cfg,
		Status:    models.AgentStatusReady,
	}
	if err := s.deps.Repo.InsertAgent(ctx, row); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attachLocked(row)
	s.mu.Unlock()
	return row, nil
}

// RemoveAgent deregisters, invalidates the local cache, then deletes
// persistently — in that order, so no task can start on a half-removed
// agent.
func (s *Space) RemoveAgent(ctx context.Context, id string) error {
	s.deps.Bus.Deregister(id)

	s.mu.Lock()
	delete(s.agents, id)
	for session, agentID := range s.lastBySession {
		if agentID == id {
			delete(s.lastBySession, session)
		}
	}
	s.mu.Unlock()

	return s.deps.Repo.DeleteAgent(ctx, s.ownerID, id)
}

// Direct executes one message on a specific agent: record the input, run
// through the bus (which enforces the agent's concurrency cap), record the
// output on success.
func (s *Space) Direct(ctx context.Context, agentID, message string, history []models.Message, taskID *string, metadata map[string]any) (*agent.Outcome, error) {
	inst, err := s.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	if _, err := inst.ContextStore().AddInteraction(ctx, message, "user_input", taskID, true, metadata); err != nil {
		slog.Warn("Failed to record input interaction", "agent_id", agentID, "error", err)
	}

	submitID := uuid.New().String()
	if taskID != nil {
		submitID = *taskID
	}
	handle, err := s.deps.Bus.Submit(ctx, agentID, bus.Task{
		ID:      submitID,
		Payload: &execPayload{message: message, history: history, taskID: taskID},
	}, nil)
	if err != nil {
		return nil, err
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	outcome, ok := result.(*agent.Outcome)
	if !ok {
		return nil, fmt.Errorf("unexpected execution result %T", result)
	}

	if _, err := inst.ContextStore().AddInteraction(ctx, outcome.Response, "agent_response", taskID, true, nil); err != nil {
		slog.Warn("Failed to record output interaction", "agent_id", agentID, "error", err)
	}
	return outcome, nil
}

// Orchestrated routes the message to the best-fitting agent, then executes
// it like Direct. Routing ambiguity (no ready agent scored) falls back to
// the first live agent.
func (s *Space) Orchestrated(ctx context.Context, sessionID, message string, history []models.Message, taskID *string) (*HandleResult, error) {
	decision, err := router.Route(message, s.candidates())
	if err != nil {
		// Fall back to any live agent rather than refusing the message.
		id, fbErr := s.firstAgentID()
		if fbErr != nil {
			return nil, fbErr
		}
		inst, _ := s.GetAgent(id)
		decision = &router.Decision{AgentID: id, AgentName: inst.Name, Fallback: true, Confidence: "low"}
	}

	switched := s.markSessionAgent(sessionID, decision.AgentID)

	outcome, err := s.Direct(ctx, decision.AgentID, message, history, taskID, nil)
	if err != nil {
		return nil, err
	}
	return &HandleResult{Outcome: outcome, Decision: decision, Switched: switched}, nil
}

// Handle dispatches on target presence: a named target executes directly,
// otherwise the router decides.
func (s *Space) Handle(ctx context.Context, sessionID, message string, targetAgent *string, history []models.Message, taskID *string) (*HandleResult, error) {
	if targetAgent == nil || *targetAgent == "" {
		return s.Orchestrated(ctx, sessionID, message, history, taskID)
	}

	inst, err := s.ResolveAgent(*targetAgent)
	if err != nil {
		return nil, err
	}
	switched := s.markSessionAgent(sessionID, inst.ID)
	outcome, err := s.Direct(ctx, inst.ID, message, history, taskID, nil)
	if err != nil {
		return nil, err
	}
	return &HandleResult{Outcome: outcome, Switched: switched}, nil
}

// ResolveAgent finds an agent by id, then name, then role.
func (s *Space) ResolveAgent(nameOrRole string) (*agent.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.agents[nameOrRole]; ok {
		return inst, nil
	}
	for _, inst := range s.agents {
		if inst.Name == nameOrRole {
			return inst, nil
		}
	}
	for _, inst := range s.agents {
		if string(inst.Config.Role) == nameOrRole {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: agent %q", models.ErrNotFound, nameOrRole)
}

// markSessionAgent records the session's active agent and reports whether
// it changed.
func (s *Space) markSessionAgent(sessionID, agentID string) bool {
	if sessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.lastBySession[sessionID]
	s.lastBySession[sessionID] = agentID
	return had && prev != agentID
}

func (s *Space) candidates() []router.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]router.Candidate, 0, len(s.agents))
	for _, inst := range s.agents {
		out = append(out, router.Candidate{
			ID:           inst.ID,
			Name:         inst.Name,
			Capabilities: inst.Config.Capabilities,
			Ready:        s.deps.Bus.Registered(inst.ID),
		})
	}
	return out
}

func (s *Space) firstAgentID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bestID, bestName string
	for id, inst := range s.agents {
		if bestID == "" || inst.Name < bestName {
			bestID, bestName = id, inst.Name
		}
	}
	if bestID == "" {
		return "", fmt.Errorf("%w: workspace has no agents", models.ErrNotFound)
	}
	return bestID, nil
}

// Healthy reports whether the space can serve requests.
func (s *Space) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && len(s.agents) > 0
}

// Stats returns the health/metrics snapshot.
func (s *Space) Stats() SpaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	uptime := int64(0)
	if s.initialized {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return SpaceStats{
		OwnerID:        s.ownerID,
		ProjectID:      s.projectID,
		AgentCount:     len(s.agents),
		Initialized:    s.initialized,
		InitDurationMS: s.initDuration.Milliseconds(),
		UptimeSeconds:  uptime,
		Healthy:        s.initialized && len(s.agents) > 0,
	}
}

// Cleanup deregisters every agent and empties the space. The space can be
// re-initialized afterwards.
func (s *Space) Cleanup(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.agents = make(map[string]*agent.Instance)
	s.lastBySession = make(map[string]string)
	s.initialized = false
	s.mu.Unlock()

	for _, id := range ids {
		s.deps.Bus.Deregister(id)
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Del(ctx, s.presenceKey()); err != nil {
			slog.Warn("Failed to drop workspace presence key", "error", err)
		}
	}
	slog.Info("Workspace cleaned up",
		"owner_id", s.ownerID, "project_id", s.projectID, "agents", len(ids))
}

// Reset is cleanup followed by a fresh initialization.
func (s *Space) Reset(ctx context.Context) error {
	s.Cleanup(ctx)
	return s.Initialize(ctx)
}

func (s *Space) presenceKey() string {
	return "workspace:" + s.ownerID + ":" + s.projectID
}
