package vectorindex

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/raphaelgruber/skillalign/internal/errs"
)

// MemoryBackend is an exact-search Backend held in process memory.
// It backs the memory store mode and tests.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	params IndexParams
	points map[string]Datapoint
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memCollection)}
}

func (m *MemoryBackend) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryBackend) CreateCollection(_ context.Context, name string, params IndexParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return errs.Conflict("collection %q already exists", name)
	}
	m.collections[name] = &memCollection{params: params, points: make(map[string]Datapoint)}
	return nil
}

func (m *MemoryBackend) UpdateCollection(_ context.Context, name string, params IndexParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return errs.NotFound("collection %q", name)
	}
	c.params = params
	return nil
}

func (m *MemoryBackend) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		return errs.NotFound("collection %q", name)
	}
	delete(m.collections, name)
	return nil
}

func (m *MemoryBackend) CollectionInfo(_ context.Context, name string) (*IndexHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, errs.NotFound("collection %q", name)
	}
	return &IndexHandle{
		ID:         name,
		Dimensions: c.params.Dimensions,
		Distance:   c.params.Distance,
		Points:     uint64(len(c.points)),

		ApproximateNeighborsCount: c.params.ApproximateNeighborsCount,
	}, nil
}

func (m *MemoryBackend) Upsert(_ context.Context, name string, points []Datapoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return errs.NotFound("collection %q", name)
	}
	for _, p := range points {
		if len(p.Vector) != c.params.Dimensions {
			return errs.Validation("vector for %q has %d dimensions, index expects %d", p.EntityID, len(p.Vector), c.params.Dimensions)
		}
		c.points[p.EntityID] = Datapoint{EntityID: p.EntityID, Name: p.Name, Vector: slices.Clone(p.Vector)}
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, name string, entityIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return errs.NotFound("collection %q", name)
	}
	for _, id := range entityIDs {
		delete(c.points, id)
	}
	return nil
}

func (m *MemoryBackend) QueryBatch(ctx context.Context, name string, vectors [][]float32, topK int) ([][]CandidateRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, errs.NotFound("collection %q", name)
	}

	out := make([][]CandidateRef, len(vectors))
	for i, q := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refs := make([]CandidateRef, 0, len(c.points))
		for id, p := range c.points {
			refs = append(refs, CandidateRef{ID: id, Distance: distance(c.params.Distance, q, p.Vector)})
		}
		slices.SortFunc(refs, func(a, b CandidateRef) int {
			if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		if len(refs) > topK {
			refs = refs[:topK]
		}
		out[i] = refs
	}
	return out, nil
}

func distance(d Distance, a, b []float32) float64 {
	var dot, na, nb, sq float64
	for i := range min(len(a), len(b)) {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		sq += (x - y) * (x - y)
	}
	switch d {
	case DistanceEuclidean:
		return math.Sqrt(sq)
	case DistanceDot:
		return -dot
	default:
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}
