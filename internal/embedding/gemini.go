package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is a 768-dimensional text embedding model.
const DefaultGeminiModel = "text-embedding-004"

// geminiBatchLimit is the per-request cap of BatchEmbedContents.
const geminiBatchLimit = 100

// GeminiEmbedder implements Embedder with Google's generative AI API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	modelName string
	dimension int
}

var _ Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder creates a Gemini embedding client.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	em := client.EmbeddingModel(model)
	em.TaskType = genai.TaskTypeSemanticSimilarity
	return &GeminiEmbedder{client: client, model: em, modelName: model, dimension: dimension}, nil
}

// Embed generates an embedding vector for text.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	if len(resp.Embedding.Values) != g.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(resp.Embedding.Values), g.dimension)
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds texts in chunks of geminiBatchLimit, preserving input order.
func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	start := time.Now()

	for lo := 0; lo < len(texts); lo += geminiBatchLimit {
		hi := min(lo+geminiBatchLimit, len(texts))
		batch := g.model.NewBatch()
		for _, t := range texts[lo:hi] {
			batch.AddContent(genai.Text(t))
		}
		resp, err := g.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}

	if err := checkDimensions(out, len(texts), g.dimension); err != nil {
		return nil, err
	}
	slog.Debug("embedding complete", "model", g.modelName, "texts", len(texts), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Model returns the embedding model name.
func (g *GeminiEmbedder) Model() string { return g.modelName }

// Dimension returns the expected embedding dimension.
func (g *GeminiEmbedder) Dimension() int { return g.dimension }

// Close releases the underlying gRPC connection.
func (g *GeminiEmbedder) Close() error { return g.client.Close() }
