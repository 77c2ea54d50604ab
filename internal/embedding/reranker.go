package embedding

import (
	"context"
	"fmt"
	"math"
)

// Reranker scores (query, candidate) pairs jointly.
// Scores are an opaque monotonic relevance signal, one per candidate in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
	Model() string
}

// RerankProviderType identifies the cross-encoder backend.
type RerankProviderType string

const (
	// RerankBedrock uses a Cohere rerank model hosted on Amazon Bedrock.
	RerankBedrock RerankProviderType = "bedrock"

	// RerankEmbedding scores pairs by bi-encoder cosine similarity.
	RerankEmbedding RerankProviderType = "embedding"
)

// EmbeddingReranker approximates a cross-encoder with bi-encoder cosine similarity
// rescaled into [0,1]. Used when no rerank endpoint is configured.
type EmbeddingReranker struct {
	embedder Embedder
}

var _ Reranker = (*EmbeddingReranker)(nil)

// NewEmbeddingReranker creates a reranker over the given embedder.
func NewEmbeddingReranker(embedder Embedder) *EmbeddingReranker {
	return &EmbeddingReranker{embedder: embedder}
}

// Rerank embeds the query together with the candidates and scores each by cosine similarity.
func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	texts = append(texts, candidates...)

	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("rerank embed: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("rerank embed: got %d vectors, want %d", len(vectors), len(texts))
	}

	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = (cosine(vectors[0], vectors[i+1]) + 1) / 2
	}
	return scores, nil
}

// Model returns the underlying embedding model name.
func (r *EmbeddingReranker) Model() string { return r.embedder.Model() }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
