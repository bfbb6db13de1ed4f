// Package contextstore persists per-(owner, agent) interaction embeddings in
// Postgres (pgvector) and retrieves top-k context by cosine similarity. A
// store whose backing handles are absent is disabled: every method stays
// total and returns empty results.
package contextstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder wraps client for the given model and dimensionality.
func NewOpenAIEmbedder(client *openai.Client, model string, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model, dim: dim}
}

func (e *OpenAIEmbedder) Dim() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), e.dim)
	}
	return vec, nil
}

// HashEmbedding derives a deterministic unit vector from the text alone.
// Used as the fallback when the embedding endpoint fails: functional
// correctness is preserved (identical text maps to identical vectors) at the
// cost of semantic recall.
func HashEmbedding(text string, dim int) []float32 {
	vec := make([]float32, dim)

	var block [32]byte
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			h := sha256.New()
			h.Write(seed[:])
			var counter [4]byte
			binary.BigEndian.PutUint32(counter[:], uint32(i/8))
			h.Write(counter[:])
			copy(block[:], h.Sum(nil))
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		v := float64(int64(bits)-math.MaxInt32) / math.MaxInt32
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
