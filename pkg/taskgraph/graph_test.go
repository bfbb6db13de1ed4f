package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
)

func task(id string, deps ...string) *models.TaskPlanTask {
	return &models.TaskPlanTask{LogicalID: id, Dependencies: deps}
}

func TestValidateEmptyPlan(t *testing.T) {
	g := New(nil)
	assert.ErrorIs(t, g.Validate(), ErrEmptyPlan)
}

func TestValidateDuplicateID(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("t0"), task("t0")})
	assert.ErrorIs(t, g.Validate(), ErrDuplicateID)
}

func TestValidateUnknownDependency(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("t0", "missing")})
	err := g.Validate()
	assert.ErrorIs(t, err, ErrUnknownID)
	assert.Contains(t, err.Error(), "missing")
}

func TestValidateCycleReportsPath(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("t0", "t1"), task("t1", "t0")})
	err := g.Validate()
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "t0")
	assert.Contains(t, err.Error(), "t1")
}

func TestValidateSelfCycle(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("t0", "t0")})
	assert.ErrorIs(t, g.Validate(), ErrCycle)
}

func TestValidateLargeChainNoOverflow(t *testing.T) {
	// 50k-node chain; iterative DFS must handle it without stack growth issues.
	tasks := make([]*models.TaskPlanTask, 50_000)
	tasks[0] = task("t0")
	for i := 1; i < len(tasks); i++ {
		tasks[i] = task(id(i), id(i-1))
	}
	g := New(tasks)
	assert.NoError(t, g.Validate())
}

func id(i int) string {
	return "t" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func TestLayersFanOut(t *testing.T) {
	g := New([]*models.TaskPlanTask{
		task("t0"),
		task("t1", "t0"),
		task("t2", "t0"),
	})
	require.NoError(t, g.Validate())
	assert.Equal(t, [][]string{{"t0"}, {"t1", "t2"}}, g.Layers())
}

func TestLayersDiamond(t *testing.T) {
	g := New([]*models.TaskPlanTask{
		task("t3", "t1", "t2"),
		task("t1", "t0"),
		task("t2", "t0"),
		task("t0"),
	})
	require.NoError(t, g.Validate())
	assert.Equal(t, [][]string{{"t0"}, {"t1", "t2"}, {"t3"}}, g.Layers())
}

func TestLayersIsPartition(t *testing.T) {
	g := New([]*models.TaskPlanTask{
		task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"), task("e"),
	})
	require.NoError(t, g.Validate())

	layers := g.Layers()
	seen := make(map[string]int)
	for li, layer := range layers {
		for _, id := range layer {
			_, dup := seen[id]
			assert.False(t, dup, "task %s appears in more than one layer", id)
			seen[id] = li
		}
	}
	assert.Len(t, seen, g.Len(), "layers must cover every task exactly once")

	// Every dependency must sit in a strictly earlier layer.
	for id, layer := range seen {
		for _, dep := range g.Dependencies(id) {
			assert.Less(t, seen[dep], layer, "%s must come before %s", dep, id)
		}
	}
}

func TestLayersLexicographicWithinLayer(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("z"), task("a"), task("m")})
	require.NoError(t, g.Validate())
	assert.Equal(t, [][]string{{"a", "m", "z"}}, g.Layers())
}

func TestTotals(t *testing.T) {
	g := New([]*models.TaskPlanTask{
		{LogicalID: "t0", EstimatedCost: 0.05, EstimatedDuration: 10},
		{LogicalID: "t1", EstimatedCost: 0.03, EstimatedDuration: 20},
	})
	assert.InDelta(t, 0.08, g.TotalCost(), 1e-9)
	assert.InDelta(t, 30, g.TotalDuration(), 1e-9)
}

func TestEdgeLookups(t *testing.T) {
	g := New([]*models.TaskPlanTask{task("t0"), task("t1", "t0")})
	assert.Equal(t, []string{"t1"}, g.Dependents("t0"))
	assert.Equal(t, []string{"t0"}, g.Dependencies("t1"))

	got, ok := g.Task("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.LogicalID)
	_, ok = g.Task("nope")
	assert.False(t, ok)
}
