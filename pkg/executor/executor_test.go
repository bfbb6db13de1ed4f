package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/agent"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// fakeRunner records execution order and lets individual tasks fail, block,
// or echo the prompt they received.
type fakeRunner struct {
	mu      sync.Mutex
	started []string
	prompts map[string]string
	fail    map[string]error
	block   map[string]time.Duration

	current atomic.Int32
	peak    atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		prompts: map[string]string{},
		fail:    map[string]error{},
		block:   map[string]time.Duration{},
	}
}

func (r *fakeRunner) Run(ctx context.Context, agentRef, prompt, taskID string) (*agent.Outcome, error) {
	n := r.current.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer r.current.Add(-1)

	r.mu.Lock()
	r.started = append(r.started, taskID)
	r.prompts[taskID] = prompt
	r.mu.Unlock()

	if d, ok := r.block[taskID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := r.fail[taskID]; ok {
		return nil, err
	}
	return &agent.Outcome{
		Success:   true,
		Response:  "result of " + taskID,
		AgentName: agentRef,
	}, nil
}

func (r *fakeRunner) startedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func testExecConfig() *config.ExecutorConfig {
	return &config.ExecutorConfig{
		MaxConcurrentTasks: 3,
		TaskTimeout:        time.Minute,
		OnTaskFailure:      "continue",
	}
}

func task(id, agentName string, deps ...string) models.TaskPlanTask {
	return models.TaskPlanTask{
		LogicalID:     id,
		Description:   "do " + id,
		AssignedAgent: agentName,
		Dependencies:  deps,
		EstimatedCost: 0.01,
	}
}

func TestExecuteDiamond(t *testing.T) {
	runner := newFakeRunner()
	e := New(runner, testExecConfig())
	plan := &models.TaskPlan{ID: "pl1"}
	tasks := []models.TaskPlanTask{
		task("t0", "coder"),
		task("t1", "coder", "t0"),
		task("t2", "coder", "t0"),
		task("t3", "coder", "t1", "t2"),
	}

	res := e.Execute(context.Background(), plan, tasks)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.TotalTasks)
	assert.Equal(t, 4, res.Completed)
	assert.Zero(t, res.Failed)
	assert.InDelta(t, 0.04, res.TotalEstimatedCost, 1e-9)

	// t0 strictly first, t3 strictly last.
	order := runner.startedOrder()
	require.Len(t, order, 4)
	assert.Equal(t, "t0", order[0])
	assert.Equal(t, "t3", order[3])
}

func TestDependencyResultsThreadedIntoPrompt(t *testing.T) {
	runner := newFakeRunner()
	e := New(runner, testExecConfig())
	tasks := []models.TaskPlanTask{
		task("t0", "coder"),
		task("t1", "coder", "t0"),
	}

	res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
	require.True(t, res.Success)

	assert.Equal(t, "do t0", runner.prompts["t0"])
	assert.Contains(t, runner.prompts["t1"], "do t1")
	assert.Contains(t, runner.prompts["t1"], "Context from previous tasks:")
	assert.Contains(t, runner.prompts["t1"], "result of t0")
}

func TestFailedDependencyResultNotThreaded(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["t0"] = errors.New("boom")
	e := New(runner, testExecConfig())
	tasks := []models.TaskPlanTask{
		task("t0", "coder"),
		task("t1", "coder", "t0"),
	}

	res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)

	// t1 still ran (continue-on-failure) but without the failed context.
	assert.NotContains(t, runner.prompts["t1"], "Context from previous tasks:")
	assert.True(t, res.Tasks["t1"].Success)
	assert.Equal(t, "boom", res.Tasks["t0"].Error)
}

func TestConcurrencyCap(t *testing.T) {
	runner := newFakeRunner()
	for _, id := range []string{"t0", "t1", "t2", "t3", "t4"} {
		runner.block[id] = 30 * time.Millisecond
	}
	cfg := testExecConfig()
	cfg.MaxConcurrentTasks = 2
	e := New(runner, cfg)

	// One wide layer of five independent tasks.
	tasks := []models.TaskPlanTask{
		task("t0", "a"), task("t1", "a"), task("t2", "a"), task("t3", "a"), task("t4", "a"),
	}
	res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestSequentialWhenCapIsOne(t *testing.T) {
	runner := newFakeRunner()
	cfg := testExecConfig()
	cfg.MaxConcurrentTasks = 1
	e := New(runner, cfg)

	tasks := []models.TaskPlanTask{
		task("t0", "a"),
		task("t1", "a", "t0"),
		task("t2", "a", "t0"),
	}
	res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, runner.peak.Load(), int32(1))
	assert.Equal(t, []string{"t0", "t1", "t2"}, runner.startedOrder())
}

func TestTaskTimeout(t *testing.T) {
	runner := newFakeRunner()
	runner.block["t0"] = time.Second
	cfg := testExecConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	e := New(runner, cfg)

	res := e.Execute(context.Background(), &models.TaskPlan{}, []models.TaskPlanTask{task("t0", "a")})
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Tasks["t0"].Error)
}

func TestValidationFailureShortCircuits(t *testing.T) {
	runner := newFakeRunner()
	e := New(runner, testExecConfig())

	t.Run("empty plan", func(t *testing.T) {
		res := e.Execute(context.Background(), &models.TaskPlan{}, nil)
		assert.False(t, res.Success)
		assert.Zero(t, res.Completed)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "EMPTY_PLAN")
	})

	t.Run("cycle", func(t *testing.T) {
		tasks := []models.TaskPlanTask{
			task("t0", "a", "t1"),
			task("t1", "a", "t0"),
		}
		res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
		assert.False(t, res.Success)
		assert.Equal(t, 2, res.Failed)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "CYCLE")
		// Nothing ran.
		assert.Empty(t, runner.startedOrder())
	})
}

func TestAggregateKeepsResultsAcrossFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["t1"] = errors.New("agent unavailable")
	e := New(runner, testExecConfig())

	tasks := []models.TaskPlanTask{
		task("t0", "a"),
		task("t1", "a"),
		task("t2", "a", "t0", "t1"),
	}
	res := e.Execute(context.Background(), &models.TaskPlan{}, tasks)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "result of t0", res.Tasks["t0"].Result)
	assert.Equal(t, "result of t2", res.Tasks["t2"].Result)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "t1: agent unavailable")
}
