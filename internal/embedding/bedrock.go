package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// DefaultBedrockRerankModel is Cohere Rerank 3.5 on Bedrock.
const DefaultBedrockRerankModel = "cohere.rerank-v3-5:0"

// modelInvoker is the subset of the Bedrock runtime client used for reranking.
type modelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockReranker scores pairs with a Cohere rerank model via Bedrock InvokeModel.
type BedrockReranker struct {
	client  modelInvoker
	modelID string
}

var _ Reranker = (*BedrockReranker)(nil)

type cohereRerankRequest struct {
	Query      string   `json:"query"`
	Documents  []string `json:"documents"`
	TopN       int      `json:"top_n"`
	APIVersion int      `json:"api_version"`
}

type cohereRerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewBedrockReranker loads the default AWS credential chain for region.
func NewBedrockReranker(ctx context.Context, region, modelID string) (*BedrockReranker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockReranker(bedrockruntime.NewFromConfig(cfg), modelID), nil
}

func newBedrockReranker(client modelInvoker, modelID string) *BedrockReranker {
	if modelID == "" {
		modelID = DefaultBedrockRerankModel
	}
	return &BedrockReranker{client: client, modelID: modelID}
}

// Rerank returns one relevance score per candidate in input order.
func (r *BedrockReranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(cohereRerankRequest{
		Query:      query,
		Documents:  candidates,
		TopN:       len(candidates),
		APIVersion: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	start := time.Now()
	out, err := r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(r.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke rerank model: %w", err)
	}

	var resp cohereRerankResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	// Results arrive sorted by relevance; map them back onto input positions.
	scores := make([]float64, len(candidates))
	seen := make([]bool, len(candidates))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank result index %d out of range [0,%d)", res.Index, len(candidates))
		}
		scores[res.Index] = res.RelevanceScore
		seen[res.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing candidate %d", i)
		}
	}

	slog.Debug("rerank complete", "model", r.modelID, "candidates", len(candidates), "duration_ms", time.Since(start).Milliseconds())
	return scores, nil
}

// Model returns the Bedrock model id.
func (r *BedrockReranker) Model() string { return r.modelID }

// NewReranker creates the configured reranker. The embedding reranker reuses embedder.
func NewReranker(ctx context.Context, provider RerankProviderType, region, model string, embedder Embedder) (Reranker, error) {
	switch provider {
	case RerankBedrock:
		return NewBedrockReranker(ctx, region, model)
	case RerankEmbedding, "":
		return NewEmbeddingReranker(embedder), nil
	default:
		return nil, fmt.Errorf("unknown rerank provider: %s", provider)
	}
}
