package contextstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
)

func TestHashEmbeddingDeterministic(t *testing.T) {
	a := HashEmbedding("deploy the service", 768)
	b := HashEmbedding("deploy the service", 768)
	assert.Equal(t, a, b)

	c := HashEmbedding("deploy the Service", 768)
	assert.NotEqual(t, a, c)
}

func TestHashEmbeddingDimension(t *testing.T) {
	for _, dim := range []int{1, 7, 8, 64, 768} {
		vec := HashEmbedding("text", dim)
		assert.Len(t, vec, dim)
	}
}

func TestHashEmbeddingUnitNorm(t *testing.T) {
	vec := HashEmbedding("some interaction content", 768)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestHashEmbeddingSpread(t *testing.T) {
	vec := HashEmbedding("spread check", 768)

	distinct := map[float32]bool{}
	for _, v := range vec {
		distinct[v] = true
	}
	// A degenerate vector would collapse to a handful of values.
	assert.Greater(t, len(distinct), 700)
}

func TestDisabledStoreIsTotal(t *testing.T) {
	cfg := &config.ContextConfig{
		MaxVectorsPerAgent: 100,
		SearchLimit:        10,
		PruneThreshold:     0.9,
		EmbeddingDim:       768,
	}
	s := NewStore(nil, nil, cfg, "u1", "a1")
	ctx := context.Background()

	assert.False(t, s.Enabled())
	require.NoError(t, s.Initialize(ctx))

	id, err := s.AddInteraction(ctx, "hello", "interaction", nil, true, nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	results, err := s.Search(ctx, "hello", 5, Filters{})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, s.Clear(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Enabled)
	assert.Zero(t, stats.Points)
	assert.Equal(t, "cosine", stats.Distance)
}
