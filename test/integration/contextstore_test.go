//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/contextstore"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/test/util"
)

// hashEmbedder embeds with the deterministic hash fallback, so similarity is
// exact-match driven and the test needs no LLM endpoint.
type hashEmbedder struct{ dim int }

func (h hashEmbedder) Dim() int { return h.dim }
func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return contextstore.HashEmbedding(text, h.dim), nil
}

func newVectorStore(db *database.Client, ownerID, agentID string) *contextstore.Store {
	cfg := &config.ContextConfig{
		MaxVectorsPerAgent: 1000,
		SearchLimit:        10,
		PruneThreshold:     0.9,
		EmbeddingDim:       768,
	}
	return contextstore.NewStore(db, hashEmbedder{dim: 768}, cfg, ownerID, agentID)
}

func TestContextStoreRoundTrip(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	agentID := uuid.New().String()

	store := newVectorStore(db, owner, agentID)
	require.NoError(t, store.Initialize(ctx))

	id, err := store.AddInteraction(ctx, "restarted the ingest worker after OOM", "interaction", nil, true, map[string]any{"source": "chat"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = store.AddInteraction(ctx, "rotated the staging TLS certificates", "interaction", nil, true, nil)
	require.NoError(t, err)

	results, err := store.Search(ctx, "restarted the ingest worker after OOM", 5, contextstore.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The identical text is the nearest neighbour.
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, "restarted the ingest worker after OOM", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Score, 1e-3)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Points)
	assert.True(t, stats.Enabled)
}

func TestContextStoreFilters(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)
	agentID := uuid.New().String()

	store := newVectorStore(db, owner, agentID)
	_, err := store.AddInteraction(ctx, "task failed with exit 1", "task_result", nil, false, nil)
	require.NoError(t, err)
	_, err = store.AddInteraction(ctx, "task completed cleanly", "task_result", nil, true, nil)
	require.NoError(t, err)

	success := true
	results, err := store.Search(ctx, "task outcome", 10, contextstore.Filters{Success: &success})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	kind := "interaction"
	results, err = store.Search(ctx, "task outcome", 10, contextstore.Filters{Kind: &kind})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestContextStoreCollectionsAreIsolated(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()
	owner := seedOwner(t, db)

	storeA := newVectorStore(db, owner, uuid.New().String())
	storeB := newVectorStore(db, owner, uuid.New().String())

	_, err := storeA.AddInteraction(ctx, "only agent A knows this", "interaction", nil, true, nil)
	require.NoError(t, err)

	results, err := storeB.Search(ctx, "only agent A knows this", 5, contextstore.Filters{})
	require.NoError(t, err)
	assert.Empty(t, results, "collections must not leak across agents")

	require.NoError(t, storeA.Clear(ctx))
	results, err = storeA.Search(ctx, "only agent A knows this", 5, contextstore.Filters{})
	require.NoError(t, err)
	assert.Empty(t, results)
}
