// Package embedding provides bi-encoder embeddings and cross-encoder reranking
// with multiple backend support.
package embedding

import (
	"context"
	"fmt"
)

// Embedder defines the interface for text embedding providers.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one vector per text in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// Must match the dimension of every vector index searched with it.
	Dimension() int
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server through langchaingo.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI embeddings API through langchaingo.
	ProviderOpenAI ProviderType = "openai"

	// ProviderGemini uses Google's generative AI embedding models.
	ProviderGemini ProviderType = "gemini"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	Provider ProviderType

	// Model is the embedding model name (provider-specific).
	// Ollama: "all-minilm:l6-v2" (384-dim). Gemini: "text-embedding-004" (768-dim).
	Model string

	// Dimension is the required output dimension.
	Dimension int

	OllamaHost   string
	OpenAIAPIKey string
	GeminiAPIKey string
}

// New creates an Embedder based on the provided configuration.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	switch cfg.Provider {
	case ProviderOllama, "":
		return NewLangchainOllama(cfg.Model, cfg.OllamaHost, cfg.Dimension)
	case ProviderOpenAI:
		return NewLangchainOpenAI(cfg.Model, cfg.OpenAIAPIKey, cfg.Dimension)
	case ProviderGemini:
		return NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// checkDimensions validates a provider response against the requested texts.
func checkDimensions(vectors [][]float32, count, dimension int) error {
	if len(vectors) != count {
		return fmt.Errorf("count mismatch: got %d, want %d", len(vectors), count)
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), dimension)
		}
	}
	return nil
}
