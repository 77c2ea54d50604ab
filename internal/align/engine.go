// Package align ranks target-corpus entities against query texts in two
// stages: bi-encoder retrieval from a vector index, then cross-encoder rerank.
package align

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/metrics"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCoarseTopK is how many neighbors the retrieval stage returns per query.
	DefaultCoarseTopK = 32
	// DefaultConcurrency bounds concurrent rerank calls across queries.
	DefaultConcurrency = 15
	// DefaultPageSize is the number of entities fetched per page when aligning a whole source.
	DefaultPageSize = 100
	// DefaultTopK applies when a request leaves top_k unset.
	DefaultTopK = models.DefaultTopK
)

// EntityStore reads entities from the document store.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]models.Entity, error)
	ListBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source, offset, limit int) ([]models.Entity, error)
}

// ModelClient embeds and reranks text.
type ModelClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Searcher answers nearest-neighbor queries.
type Searcher interface {
	Search(ctx context.Context, indexID string, vectors [][]float32, topK int) ([][]vectorindex.CandidateRef, error)
}

// SourceRegistry validates alignment sources and resolves their index.
type SourceRegistry interface {
	Validate(objectType models.ObjectType, sources []models.Source) error
	IndexID(objectType models.ObjectType, source models.Source) (string, error)
}

// Query is either a stored entity (ID set) or free text.
type Query struct {
	ID          string
	Name        string
	Description string
}

// Target is the corpus a query is aligned against.
type Target struct {
	ObjectType models.ObjectType
	Source     models.Source
}

// Engine runs the retrieve-and-rerank pipeline.
type Engine struct {
	store       EntityStore
	models      ModelClient
	index       Searcher
	sources     SourceRegistry
	coarseTopK  int
	concurrency int
	pageSize    int
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCoarseTopK sets the retrieval depth per query.
func WithCoarseTopK(k int) Option { return func(e *Engine) { e.coarseTopK = k } }

// WithConcurrency bounds the per-query fan-out.
func WithConcurrency(n int) Option { return func(e *Engine) { e.concurrency = n } }

// WithPageSize sets the page size used when streaming a source.
func WithPageSize(n int) Option { return func(e *Engine) { e.pageSize = n } }

// WithMetrics records alignment timings.
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine wires the pipeline's collaborators.
func NewEngine(store EntityStore, modelClient ModelClient, index Searcher, sources SourceRegistry, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		models:      modelClient,
		index:       index,
		sources:     sources,
		coarseTopK:  DefaultCoarseTopK,
		concurrency: DefaultConcurrency,
		pageSize:    DefaultPageSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	if e.pageSize < 1 {
		e.pageSize = DefaultPageSize
	}
	return e
}

// resolvedQuery is a query with its embedding text.
type resolvedQuery struct {
	id   string
	text string
}

// Align ranks target entities for each query. Output order equals input order.
func (e *Engine) Align(ctx context.Context, queries []Query, target Target, topK int) ([]models.AlignmentResult, error) {
	out, err := e.AlignAcrossSources(ctx, queries, target.ObjectType, []models.Source{target.Source}, topK)
	if err != nil {
		return nil, err
	}
	return out[target.Source], nil
}

// AlignAcrossSources aligns queries against several sources of one object type.
// Every source is validated and its index resolved before anything is embedded;
// the queries are embedded once and shared across sources.
func (e *Engine) AlignAcrossSources(ctx context.Context, queries []Query, objectType models.ObjectType, sources []models.Source, topK int) (map[models.Source][]models.AlignmentResult, error) {
	start := time.Now()
	if topK <= 0 {
		return nil, errs.Validation("top_k must be positive, got %d", topK)
	}
	if err := e.sources.Validate(objectType, sources); err != nil {
		return nil, err
	}
	indexIDs := make(map[models.Source]string, len(sources))
	for _, src := range sources {
		id, err := e.sources.IndexID(objectType, src)
		if err != nil {
			return nil, err
		}
		indexIDs[src] = id
	}

	resolved, err := e.resolve(ctx, queries)
	if err != nil {
		return nil, err
	}

	out := make(map[models.Source][]models.AlignmentResult, len(sources))
	if len(resolved) == 0 {
		for _, src := range sources {
			out[src] = []models.AlignmentResult{}
		}
		return out, nil
	}

	texts := make([]string, len(resolved))
	for i, q := range resolved {
		texts[i] = q.text
	}
	vectors, err := e.models.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed queries: %w", err)
	}
	if len(vectors) != len(resolved) {
		return nil, errs.Embedding("embedder returned %d vectors for %d queries", len(vectors), len(resolved))
	}

	for _, src := range sources {
		results, err := e.rankSource(ctx, resolved, vectors, indexIDs[src], topK)
		if err != nil {
			return nil, fmt.Errorf("align against %s: %w", src, err)
		}
		out[src] = results
	}

	if e.metrics != nil {
		e.metrics.RecordBatch(metrics.OpAlign, time.Since(start), len(resolved)*len(sources))
	}
	e.logger.Debug("alignment complete",
		"object_type", objectType,
		"queries", len(resolved),
		"sources", len(sources),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// resolve turns queries into embedding texts. Stored entities are fetched in
// one round trip; any missing id fails the whole call.
func (e *Engine) resolve(ctx context.Context, queries []Query) ([]resolvedQuery, error) {
	var ids []string
	for _, q := range queries {
		if q.ID != "" {
			ids = append(ids, q.ID)
		}
	}
	byID := map[string]models.Entity{}
	if len(ids) > 0 {
		found, err := e.store.GetEntities(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch query entities: %w", err)
		}
		for _, ent := range found {
			byID[ent.ID] = ent
		}
		var missing []string
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, errs.NotFound("Entities not found: %v", missing)
		}
	}

	out := make([]resolvedQuery, len(queries))
	for i, q := range queries {
		name, desc := q.Name, q.Description
		if q.ID != "" {
			ent := byID[q.ID]
			name, desc = ent.Name, ent.Description
		}
		text, err := PrepareTextForEmbedding(name, desc)
		if err != nil {
			if q.ID != "" {
				return nil, errs.Validation("Entity %s has neither name nor description", q.ID)
			}
			return nil, err
		}
		out[i] = resolvedQuery{id: q.ID, text: text}
	}
	return out, nil
}

// rankSource retrieves candidates from one index and reranks them per query.
func (e *Engine) rankSource(ctx context.Context, queries []resolvedQuery, vectors [][]float32, indexID string, topK int) ([]models.AlignmentResult, error) {
	hits, err := e.index.Search(ctx, indexID, vectors, e.coarseTopK)
	if err != nil {
		return nil, err
	}
	if len(hits) != len(queries) {
		return nil, errs.Internal("index %s returned %d result lists for %d queries", indexID, len(hits), len(queries))
	}

	candidates, err := e.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}

	results := make([]models.AlignmentResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			entries, err := e.rerank(gctx, q, hits[i], candidates, topK)
			if err != nil {
				return err
			}
			results[i] = models.AlignmentResult{QueryID: q.id, QueryText: q.text, Candidates: entries}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// hydrate fetches every distinct candidate once. Candidates missing from the
// store are dropped.
func (e *Engine) hydrate(ctx context.Context, hits [][]vectorindex.CandidateRef) (map[string]models.Entity, error) {
	seen := map[string]bool{}
	var ids []string
	for _, list := range hits {
		for _, h := range list {
			if !seen[h.ID] {
				seen[h.ID] = true
				ids = append(ids, h.ID)
			}
		}
	}
	out := make(map[string]models.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := e.store.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}
	for _, ent := range found {
		out[ent.ID] = ent
	}
	if len(out) < len(ids) {
		e.logger.Warn("index returned candidates missing from store", "requested", len(ids), "found", len(out))
	}
	return out, nil
}

func (e *Engine) rerank(ctx context.Context, q resolvedQuery, hits []vectorindex.CandidateRef, candidates map[string]models.Entity, topK int) ([]models.AlignmentEntry, error) {
	entries := make([]models.AlignmentEntry, 0, len(hits))
	texts := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if h.ID == q.id || seen[h.ID] {
			continue
		}
		ent, ok := candidates[h.ID]
		if !ok {
			continue
		}
		text, err := PrepareTextForEmbedding(ent.Name, ent.Description)
		if err != nil {
			continue
		}
		seen[h.ID] = true
		entries = append(entries, models.AlignmentEntry{ID: ent.ID, Name: ent.Name})
		texts = append(texts, text)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	scores, err := e.models.Rerank(ctx, q.text, texts)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(entries) {
		return nil, errs.Embedding("rerank returned %d scores for %d candidates", len(scores), len(entries))
	}
	for i := range entries {
		entries[i].Score = scores[i]
	}
	models.SortEntries(entries)
	if len(entries) > topK {
		entries = entries[:topK]
	}
	return entries, nil
}
