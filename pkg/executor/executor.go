// Package executor runs validated task plans: the DAG is layered
// topologically and each layer executes in parallel under a concurrency cap
// with per-task deadlines. A failed task never aborts later layers;
// already-produced results are always kept in the aggregate.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveplane/hiveplane/pkg/agent"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/taskgraph"
)

// Runner executes one task prompt on an agent, resolved by name or role.
type Runner interface {
	Run(ctx context.Context, agentRef, prompt, taskID string) (*agent.Outcome, error)
}

// TaskResult is the outcome of one plan task.
type TaskResult struct {
	LogicalID   string    `json:"logical_id"`
	AgentName   string    `json:"agent_name,omitempty"`
	Success     bool      `json:"success"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PlanResult aggregates a whole execution.
type PlanResult struct {
	Success            bool                  `json:"success"`
	TotalTasks         int                   `json:"total_tasks"`
	Completed          int                   `json:"completed"`
	Failed             int                   `json:"failed"`
	Errors             []string              `json:"errors,omitempty"`
	Tasks              map[string]TaskResult `json:"tasks,omitempty"`
	TotalEstimatedCost float64               `json:"total_estimated_cost"`
	DurationMS         int64                 `json:"duration_ms"`
}

// Executor drives plan execution over a worker space.
type Executor struct {
	runner Runner
	cfg    *config.ExecutorConfig
}

// New creates an executor.
func New(runner Runner, cfg *config.ExecutorConfig) *Executor {
	return &Executor{runner: runner, cfg: cfg}
}

// Execute validates and runs the plan. Validation failure short-circuits
// into an aggregate failure with zero completed tasks; execution failures
// accumulate per task while later layers keep running.
func (e *Executor) Execute(ctx context.Context, plan *models.TaskPlan, tasks []models.TaskPlanTask) *PlanResult {
	start := time.Now()

	refs := make([]*models.TaskPlanTask, len(tasks))
	for i := range tasks {
		refs[i] = &tasks[i]
	}
	graph := taskgraph.New(refs)
	if err := graph.Validate(); err != nil {
		return &PlanResult{
			Success:    false,
			TotalTasks: len(tasks),
			Completed:  0,
			Failed:     len(tasks),
			Errors:     []string{err.Error()},
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	results := make(map[string]TaskResult, len(tasks))
	var mu sync.Mutex

	for _, layer := range graph.Layers() {
		g, layerCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxConcurrentTasks)
		for _, id := range layer {
			id := id
			g.Go(func() error {
				res := e.runTask(layerCtx, graph, id, results, &mu)
				mu.Lock()
				results[id] = res
				mu.Unlock()
				// Task failures are captured, not propagated: the policy is
				// continue-on-failure and the errgroup only carries ctx
				// cancellation.
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	out := &PlanResult{
		TotalTasks:         len(tasks),
		Tasks:              results,
		TotalEstimatedCost: graph.TotalCost(),
		DurationMS:         time.Since(start).Milliseconds(),
	}
	for _, t := range tasks {
		res, ran := results[t.LogicalID]
		switch {
		case ran && res.Success:
			out.Completed++
		case ran:
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", t.LogicalID, res.Error))
		default:
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s: not executed", t.LogicalID))
		}
	}
	out.Success = out.Failed == 0
	return out
}

// runTask executes one task with its deadline, threading successful
// dependency results into the prompt.
func (e *Executor) runTask(ctx context.Context, graph *taskgraph.Graph, id string, results map[string]TaskResult, mu *sync.Mutex) TaskResult {
	task, _ := graph.Task(id)
	res := TaskResult{LogicalID: id, StartedAt: time.Now()}

	prompt := buildPrompt(task, graph.Dependencies(id), results, mu)

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	outcome, err := e.runner.Run(taskCtx, task.AssignedAgent, prompt, id)
	res.CompletedAt = time.Now()
	switch {
	case taskCtx.Err() == context.DeadlineExceeded:
		res.Error = "timeout"
		slog.Warn("Plan task timed out", "logical_id", id, "timeout", e.cfg.TaskTimeout)
	case err != nil:
		res.Error = err.Error()
		slog.Warn("Plan task failed", "logical_id", id, "error", err)
	default:
		res.Success = true
		res.Result = outcome.Response
		res.AgentName = outcome.AgentName
	}
	return res
}

// buildPrompt is the task description plus the successful dependency
// results, in the dependencies' declared order.
func buildPrompt(task *models.TaskPlanTask, deps []string, results map[string]TaskResult, mu *sync.Mutex) string {
	var parts []string
	mu.Lock()
	for _, dep := range deps {
		if res, ok := results[dep]; ok && res.Success {
			parts = append(parts, fmt.Sprintf("[%s] %s", dep, res.Result))
		}
	}
	mu.Unlock()

	if len(parts) == 0 {
		return task.Description
	}
	return task.Description + "\n\nContext from previous tasks:\n" + strings.Join(parts, "\n")
}

// SpaceRunner adapts a worker space to the Runner interface.
type SpaceRunner struct {
	Space interface {
		ResolveAgent(nameOrRole string) (*agent.Instance, error)
		Direct(ctx context.Context, agentID, message string, history []models.Message, taskID *string, metadata map[string]any) (*agent.Outcome, error)
	}
}

func (r SpaceRunner) Run(ctx context.Context, agentRef, prompt, taskID string) (*agent.Outcome, error) {
	inst, err := r.Space.ResolveAgent(agentRef)
	if err != nil {
		return nil, err
	}
	return r.Space.Direct(ctx, inst.ID, prompt, nil, &taskID, nil)
}
