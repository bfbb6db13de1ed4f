package workspace

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
)

func TestGetOrCreateSingleFlight(t *testing.T) {
	repo := &fakeRepo{agents: []*models.Agent{agentRow("a1", "coder")}}
	deps := testDeps(repo)
	defer deps.Bus.Cleanup()

	m := NewManager(deps)

	const n = 50
	results := make([]*Space, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sp, err := m.GetOrCreate(context.Background(), "u1", "p1")
			assert.NoError(t, err)
			results[i] = sp
		}(i)
	}
	wg.Wait()

	// Every caller observed the same instance and exactly one
	// initialization ran.
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), repo.listCalls.Load())
	assert.Equal(t, 1, m.Count())
}

func TestGetOrCreateDistinctTuples(t *testing.T) {
	deps := testDeps(&fakeRepo{})
	defer deps.Bus.Cleanup()

	m := NewManager(deps)
	sp1, err := m.GetOrCreate(context.Background(), "u1", "p1")
	require.NoError(t, err)
	sp2, err := m.GetOrCreate(context.Background(), "u1", "p2")
	require.NoError(t, err)
	sp3, err := m.GetOrCreate(context.Background(), "u2", "p1")
	require.NoError(t, err)

	assert.NotSame(t, sp1, sp2)
	assert.NotSame(t, sp1, sp3)
	assert.Equal(t, 3, m.Count())
}

func TestRemove(t *testing.T) {
	repo := &fakeRepo{agents: []*models.Agent{agentRow("a1", "coder")}}
	deps := testDeps(repo)
	defer deps.Bus.Cleanup()

	m := NewManager(deps)
	sp, err := m.GetOrCreate(context.Background(), "u1", "p1")
	require.NoError(t, err)
	require.True(t, sp.Healthy())

	m.Remove(context.Background(), "u1", "p1")
	assert.Equal(t, 0, m.Count())
	assert.False(t, sp.Healthy())
	_, ok := m.Get("u1", "p1")
	assert.False(t, ok)

	// Removing an absent tuple is harmless.
	m.Remove(context.Background(), "u1", "p1")
}

func TestRemoveUserSpaces(t *testing.T) {
	deps := testDeps(&fakeRepo{})
	defer deps.Bus.Cleanup()

	m := NewManager(deps)
	_, err := m.GetOrCreate(context.Background(), "u1", "p1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), "u1", "p2")
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), "u2", "p1")
	require.NoError(t, err)

	removed := m.RemoveUserSpaces(context.Background(), "u1")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, m.Count())
	_, ok := m.Get("u2", "p1")
	assert.True(t, ok)
}

func TestCleanupAll(t *testing.T) {
	repo := &fakeRepo{agents: []*models.Agent{agentRow("a1", "coder")}}
	deps := testDeps(repo)
	defer deps.Bus.Cleanup()

	m := NewManager(deps)
	sp, err := m.GetOrCreate(context.Background(), "u1", "p1")
	require.NoError(t, err)

	m.CleanupAll(context.Background())
	assert.Equal(t, 0, m.Count())
	assert.False(t, sp.Healthy())
	assert.False(t, deps.Bus.Registered("a1"))
}

func TestManagerStats(t *testing.T) {
	repo := &fakeRepo{agents: []*models.Agent{agentRow("a1", "coder")}}
	deps := testDeps(repo)
	defer deps.Bus.Cleanup()

	m := NewManager(deps)
	_, err := m.GetOrCreate(context.Background(), "u1", "p1")
	require.NoError(t, err)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "u1", stats[0].OwnerID)
	assert.Equal(t, 1, stats[0].AgentCount)
}
