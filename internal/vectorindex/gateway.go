// Package vectorindex manages ANN indexes keyed by (object type, source) and
// answers nearest-neighbor queries against them.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/metrics"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// DefaultTimeout bounds every call to the index service.
const DefaultTimeout = 60 * time.Second

// Distance is the vector similarity metric of an index.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceDot       Distance = "dot"
	DistanceEuclidean Distance = "euclidean"
)

// HNSWConfig tunes the graph index.
type HNSWConfig struct {
	M           int `json:"m"`
	EfConstruct int `json:"ef_construct"`
}

// AlgorithmConfig selects the ANN algorithm. Exactly one field is set.
type AlgorithmConfig struct {
	HNSW       *HNSWConfig `json:"hnsw,omitempty"`
	BruteForce bool        `json:"brute_force,omitempty"`
}

// IndexParams describes the desired state of an index.
type IndexParams struct {
	ObjectType                models.ObjectType `json:"object_type"`
	Source                    models.Source     `json:"source"`
	Dimensions                int               `json:"dimensions"`
	ApproximateNeighborsCount int               `json:"approximate_neighbors_count"`
	Distance                  Distance          `json:"distance"`
	Algorithm                 AlgorithmConfig   `json:"algorithm"`
}

// DisplayName is the index identity derived from the (object type, source) key.
func (p IndexParams) DisplayName() string {
	return models.IndexDisplayName(p.ObjectType, p.Source)
}

// Validate checks params before any remote call.
func (p IndexParams) Validate() error {
	switch {
	case p.ObjectType == "":
		return errs.Validation("object_type is required")
	case p.Source == "":
		return errs.Validation("source is required")
	case p.Dimensions <= 0:
		return errs.Validation("dimensions must be positive, got %d", p.Dimensions)
	case p.ApproximateNeighborsCount < 0:
		return errs.Validation("approximate_neighbors_count must not be negative")
	}
	switch p.Distance {
	case DistanceCosine, DistanceDot, DistanceEuclidean:
	default:
		return errs.Validation("unknown distance %q (allowed: cosine, dot, euclidean)", p.Distance)
	}
	if p.Algorithm.HNSW != nil && p.Algorithm.BruteForce {
		return errs.Validation("algorithm must be either hnsw or brute_force, not both")
	}
	if h := p.Algorithm.HNSW; h != nil && (h.M < 0 || h.EfConstruct < 0) {
		return errs.Validation("hnsw parameters must not be negative")
	}
	return nil
}

// IndexHandle describes an existing index.
type IndexHandle struct {
	ID         string   `json:"id"`
	Dimensions int      `json:"dimensions"`
	Distance   Distance `json:"distance"`
	Points     uint64   `json:"points"`
	// ApproximateNeighborsCount is the stored query-time ef; 0 is the backend default.
	ApproximateNeighborsCount int `json:"approximate_neighbors_count,omitempty"`
}

// CandidateRef is one coarse retrieval hit. Smaller distance is nearer.
type CandidateRef struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Datapoint is one vector stored in an index.
type Datapoint struct {
	EntityID string
	Name     string
	Vector   []float32
}

// Backend is the remote ANN service. Missing collections must surface as errs.ErrNotFound.
type Backend interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, params IndexParams) error
	UpdateCollection(ctx context.Context, name string, params IndexParams) error
	DeleteCollection(ctx context.Context, name string) error
	CollectionInfo(ctx context.Context, name string) (*IndexHandle, error)
	Upsert(ctx context.Context, name string, points []Datapoint) error
	Delete(ctx context.Context, name string, entityIDs []string) error
	QueryBatch(ctx context.Context, name string, vectors [][]float32, topK int) ([][]CandidateRef, error)
}

// ReadyHook runs after an ensure operation succeeds, e.g. to record the index id in the registry.
type ReadyHook func(ctx context.Context, params IndexParams, handle IndexHandle) error

// Gateway is the entry point for index management and search.
type Gateway struct {
	backend Backend
	ops     *operationRegistry
	timeout time.Duration
	metrics *metrics.Collector
	onReady ReadyHook
	logger  *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }

// WithMetrics records search timings.
func WithMetrics(m *metrics.Collector) Option { return func(g *Gateway) { g.metrics = m } }

// WithReadyHook registers a callback for completed ensure operations.
func WithReadyHook(h ReadyHook) Option { return func(g *Gateway) { g.onReady = h } }

// NewGateway creates a gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		ops:     newOperationRegistry(),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureIndex creates the index for params' display name, or updates it in place.
// It returns immediately; poll GetOperationStatus for the outcome.
func (g *Gateway) EnsureIndex(_ context.Context, params IndexParams) (*Operation, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	name := params.DisplayName()

	return g.ops.start("ensure_index", name, g.timeout, func(ctx context.Context) (*IndexHandle, error) {
		exists, err := g.backend.CollectionExists(ctx, name)
		if err != nil {
			return nil, g.mapErr("check index", name, err)
		}

		if exists {
			info, err := g.backend.CollectionInfo(ctx, name)
			if err != nil {
				return nil, g.mapErr("describe index", name, err)
			}
			if info.Dimensions != params.Dimensions {
				return nil, errs.Validation("index %q has %d dimensions, cannot change to %d in place", name, info.Dimensions, params.Dimensions)
			}
			if info.Distance != params.Distance {
				return nil, errs.Validation("index %q uses %s distance, cannot change to %s in place", name, info.Distance, params.Distance)
			}
			if err := g.backend.UpdateCollection(ctx, name, params); err != nil {
				return nil, g.mapErr("update index", name, err)
			}
			g.logger.Info("updated index", "index", name)
		} else {
			if err := g.backend.CreateCollection(ctx, name, params); err != nil {
				return nil, g.mapErr("create index", name, err)
			}
			g.logger.Info("created index", "index", name, "dimensions", params.Dimensions, "distance", params.Distance)
		}

		handle, err := g.backend.CollectionInfo(ctx, name)
		if err != nil {
			return nil, g.mapErr("describe index", name, err)
		}
		if g.onReady != nil {
			if err := g.onReady(ctx, params, *handle); err != nil {
				return handle, fmt.Errorf("register index: %w", err)
			}
		}
		return handle, nil
	}), nil
}

// StartOperation runs fn as a tracked long-running operation against index.
func (g *Gateway) StartOperation(kind, index string, fn func(ctx context.Context) (*IndexHandle, error)) *Operation {
	return g.ops.start(kind, index, g.timeout, fn)
}

// GetOperationStatus returns the named operation.
func (g *Gateway) GetOperationStatus(name string) (*Operation, error) {
	return g.ops.get(name)
}

// WaitOperations blocks until all background operations finished.
func (g *Gateway) WaitOperations() {
	g.ops.wait()
}

// Search returns one candidate list per query vector, nearest first.
func (g *Gateway) Search(ctx context.Context, indexID string, vectors [][]float32, topK int) ([][]CandidateRef, error) {
	if len(vectors) == 0 {
		return [][]CandidateRef{}, nil
	}
	if topK <= 0 {
		return nil, errs.Validation("top_k must be positive, got %d", topK)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	results, err := g.backend.QueryBatch(ctx, indexID, vectors, topK)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordError(metrics.OpIndexSearch)
		}
		return nil, g.mapErr("search index", indexID, err)
	}
	if len(results) != len(vectors) {
		return nil, errs.Internal("search index %q: got %d result lists for %d queries", indexID, len(results), len(vectors))
	}
	if g.metrics != nil {
		g.metrics.RecordBatch(metrics.OpIndexSearch, time.Since(start), len(vectors))
	}
	return results, nil
}

// UpsertDatapoints writes vectors into an existing index.
func (g *Gateway) UpsertDatapoints(ctx context.Context, indexID string, points []Datapoint) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.mapErr("upsert datapoints", indexID, g.backend.Upsert(ctx, indexID, points))
}

// RemoveDatapoints deletes the vectors of the given entities.
func (g *Gateway) RemoveDatapoints(ctx context.Context, indexID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.mapErr("remove datapoints", indexID, g.backend.Delete(ctx, indexID, entityIDs))
}

// DeleteIndex removes an index. Missing indexes fail with errs.ErrNotFound.
func (g *Gateway) DeleteIndex(ctx context.Context, indexID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exists, err := g.backend.CollectionExists(ctx, indexID)
	if err != nil {
		return g.mapErr("check index", indexID, err)
	}
	if !exists {
		return errs.NotFound("index %q not found", indexID)
	}
	return g.mapErr("delete index", indexID, g.backend.DeleteCollection(ctx, indexID))
}

// GetIndex describes an index.
func (g *Gateway) GetIndex(ctx context.Context, indexID string) (*IndexHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	h, err := g.backend.CollectionInfo(ctx, indexID)
	if err != nil {
		return nil, g.mapErr("describe index", indexID, err)
	}
	return h, nil
}

// mapErr converts backend failures onto the error taxonomy.
func (g *Gateway) mapErr(op, index string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotFound):
		return errs.NotFound("index %q not found", index)
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInternal):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(op+" "+index, err)
	default:
		return errs.Internal("%s %q: %w", op, index, err)
	}
}

// pointNamespace scopes deterministic point ids.
var pointNamespace = uuid.MustParse("6f3c2a0e-4b1d-5c8e-9a7f-2d4e6b8c0a13")

// PointID maps an entity id onto the deterministic UUID used as its point id.
func PointID(entityID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(entityID)).String()
}
