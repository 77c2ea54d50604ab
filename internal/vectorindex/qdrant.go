package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	payloadEntityID = "entity_id"
	payloadName     = "name"

	// metaSearchEf is the collection metadata key holding the query-time ef,
	// so every process searching the collection uses the same value.
	metaSearchEf = "search_ef"
)

// collectionTTL bounds how long a process trusts its cached collection settings.
const collectionTTL = time.Minute

type collectionMeta struct {
	distance Distance
	searchEf uint64
	loaded   time.Time
}

// QdrantConfig holds connection settings for the Qdrant gRPC API.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantBackend implements Backend with one Qdrant collection per index.
type QdrantBackend struct {
	client *pb.Client

	mu          sync.RWMutex
	collections map[string]collectionMeta
}

var _ Backend = (*QdrantBackend)(nil)

// NewQdrantBackend connects to Qdrant.
func NewQdrantBackend(cfg QdrantConfig) (*QdrantBackend, error) {
	client, err := pb.NewClient(&pb.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	slog.Info("connected to qdrant", "host", cfg.Host, "port", cfg.Port)
	return &QdrantBackend{
		client:      client,
		collections: make(map[string]collectionMeta),
	}, nil
}

// Close closes the gRPC connection.
func (q *QdrantBackend) Close() error {
	return q.client.Close()
}

// CollectionExists reports whether the collection exists.
func (q *QdrantBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	return q.client.CollectionExists(ctx, name)
}

// CreateCollection creates a collection from params.
func (q *QdrantBackend) CreateCollection(ctx context.Context, name string, params IndexParams) error {
	err := q.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     uint64(params.Dimensions),
			Distance: toQdrantDistance(params.Distance),
		}),
		HnswConfig: hnswDiff(params),
		Metadata:   searchMetadata(params),
	})
	if err != nil {
		return mapQdrantErr(err)
	}
	q.remember(name, params)
	return nil
}

// UpdateCollection applies new graph parameters in place.
func (q *QdrantBackend) UpdateCollection(ctx context.Context, name string, params IndexParams) error {
	err := q.client.UpdateCollection(ctx, &pb.UpdateCollection{
		CollectionName: name,
		HnswConfig:     hnswDiff(params),
		Metadata:       searchMetadata(params),
	})
	if err != nil {
		return mapQdrantErr(err)
	}
	q.remember(name, params)
	return nil
}

// DeleteCollection drops the collection.
func (q *QdrantBackend) DeleteCollection(ctx context.Context, name string) error {
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		return mapQdrantErr(err)
	}
	q.mu.Lock()
	delete(q.collections, name)
	q.mu.Unlock()
	return nil
}

// CollectionInfo describes the collection.
func (q *QdrantBackend) CollectionInfo(ctx context.Context, name string) (*IndexHandle, error) {
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, mapQdrantErr(err)
	}
	h := &IndexHandle{ID: name, Points: info.GetPointsCount()}
	if ef := info.GetConfig().GetMetadata()[metaSearchEf]; ef != nil {
		h.ApproximateNeighborsCount = int(ef.GetIntegerValue())
	}
	if vp := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); vp != nil {
		h.Dimensions = int(vp.GetSize())
		h.Distance = fromQdrantDistance(vp.GetDistance())
		q.mu.Lock()
		q.collections[name] = collectionMeta{
			distance: h.Distance,
			searchEf: uint64(h.ApproximateNeighborsCount),
			loaded:   time.Now(),
		}
		q.mu.Unlock()
	}
	return h, nil
}

// Upsert writes points keyed by a deterministic UUID of the entity id.
func (q *QdrantBackend) Upsert(ctx context.Context, name string, points []Datapoint) error {
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &pb.PointStruct{
			Id:      pb.NewIDUUID(PointID(p.EntityID)),
			Vectors: pb.NewVectors(p.Vector...),
			Payload: pb.NewValueMap(map[string]any{
				payloadEntityID: p.EntityID,
				payloadName:     p.Name,
			}),
		})
	}
	_, err := q.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           pb.PtrOf(true),
		Points:         structs,
	})
	return mapQdrantErr(err)
}

// Delete removes the points of the given entities.
func (q *QdrantBackend) Delete(ctx context.Context, name string, entityIDs []string) error {
	ids := make([]*pb.PointId, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = pb.NewIDUUID(PointID(id))
	}
	_, err := q.client.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Wait:           pb.PtrOf(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: ids},
			},
		},
	})
	return mapQdrantErr(err)
}

// QueryBatch runs one nearest-neighbor query per vector in a single round trip.
func (q *QdrantBackend) QueryBatch(ctx context.Context, name string, vectors [][]float32, topK int) ([][]CandidateRef, error) {
	meta, err := q.settings(ctx, name)
	if err != nil {
		return nil, err
	}
	ef := meta.searchEf

	queries := make([]*pb.QueryPoints, len(vectors))
	for i, v := range vectors {
		qp := &pb.QueryPoints{
			CollectionName: name,
			Query:          pb.NewQuery(v...),
			Limit:          pb.PtrOf(uint64(topK)),
			WithPayload:    pb.NewWithPayloadInclude(payloadEntityID),
		}
		if ef > 0 {
			qp.Params = &pb.SearchParams{HnswEf: pb.PtrOf(ef)}
		}
		queries[i] = qp
	}

	batches, err := q.client.QueryBatch(ctx, &pb.QueryBatchPoints{
		CollectionName: name,
		QueryPoints:    queries,
	})
	if err != nil {
		return nil, mapQdrantErr(err)
	}

	out := make([][]CandidateRef, len(batches))
	for i, batch := range batches {
		refs := make([]CandidateRef, 0, len(batch.GetResult()))
		for _, sp := range batch.GetResult() {
			id := sp.GetPayload()[payloadEntityID].GetStringValue()
			if id == "" {
				continue
			}
			refs = append(refs, CandidateRef{ID: id, Distance: scoreToDistance(meta.distance, float64(sp.GetScore()))})
		}
		out[i] = refs
	}
	return out, nil
}

func (q *QdrantBackend) remember(name string, params IndexParams) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.collections[name] = collectionMeta{
		distance: params.Distance,
		searchEf: uint64(params.ApproximateNeighborsCount),
		loaded:   time.Now(),
	}
}

// settings returns the collection's distance and search ef, reading them
// back from Qdrant when the cached copy is missing or older than collectionTTL.
func (q *QdrantBackend) settings(ctx context.Context, name string) (collectionMeta, error) {
	q.mu.RLock()
	meta, ok := q.collections[name]
	q.mu.RUnlock()
	if ok && time.Since(meta.loaded) < collectionTTL {
		return meta, nil
	}
	h, err := q.CollectionInfo(ctx, name)
	if err != nil {
		return collectionMeta{}, err
	}
	return collectionMeta{distance: h.Distance, searchEf: uint64(h.ApproximateNeighborsCount)}, nil
}

// searchMetadata stores the query-time ef on the collection; 0 means Qdrant's default.
func searchMetadata(params IndexParams) map[string]*pb.Value {
	return map[string]*pb.Value{
		metaSearchEf: pb.NewValueInt(int64(params.ApproximateNeighborsCount)),
	}
}

// hnswDiff maps the algorithm block onto Qdrant's HNSW config.
// Brute force disables the graph (m=0), which makes Qdrant scan the full segment.
func hnswDiff(params IndexParams) *pb.HnswConfigDiff {
	switch {
	case params.Algorithm.BruteForce:
		return &pb.HnswConfigDiff{M: pb.PtrOf(uint64(0))}
	case params.Algorithm.HNSW != nil:
		diff := &pb.HnswConfigDiff{}
		if params.Algorithm.HNSW.M > 0 {
			diff.M = pb.PtrOf(uint64(params.Algorithm.HNSW.M))
		}
		if params.Algorithm.HNSW.EfConstruct > 0 {
			diff.EfConstruct = pb.PtrOf(uint64(params.Algorithm.HNSW.EfConstruct))
		}
		return diff
	default:
		return nil
	}
}

func toQdrantDistance(d Distance) pb.Distance {
	switch d {
	case DistanceDot:
		return pb.Distance_Dot
	case DistanceEuclidean:
		return pb.Distance_Euclid
	default:
		return pb.Distance_Cosine
	}
}

func fromQdrantDistance(d pb.Distance) Distance {
	switch d {
	case pb.Distance_Dot:
		return DistanceDot
	case pb.Distance_Euclid:
		return DistanceEuclidean
	default:
		return DistanceCosine
	}
}

// scoreToDistance converts Qdrant's score (similarity for cosine/dot, distance for euclid).
func scoreToDistance(d Distance, score float64) float64 {
	switch d {
	case DistanceEuclidean:
		return score
	case DistanceDot:
		return -score
	default:
		return 1 - score
	}
}

func mapQdrantErr(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return errs.NotFound("%s", st.Message())
	}
	if msg := err.Error(); strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "Not found") {
		return errs.NotFound("%s", msg)
	}
	return err
}
