package vectorindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skillParams() IndexParams {
	return IndexParams{
		ObjectType:                "skill",
		Source:                    "snhu",
		Dimensions:                2,
		ApproximateNeighborsCount: 32,
		Distance:                  DistanceCosine,
		Algorithm:                 AlgorithmConfig{HNSW: &HNSWConfig{M: 16, EfConstruct: 100}},
	}
}

func waitDone(t *testing.T, g *Gateway, name string) *Operation {
	t.Helper()
	var op *Operation
	require.Eventually(t, func() bool {
		got, err := g.GetOperationStatus(name)
		if err != nil {
			return false
		}
		op = got
		return op.Done
	}, 2*time.Second, 5*time.Millisecond)
	return op
}

func TestIndexParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IndexParams)
	}{
		{"missing object type", func(p *IndexParams) { p.ObjectType = "" }},
		{"missing source", func(p *IndexParams) { p.Source = "" }},
		{"zero dimensions", func(p *IndexParams) { p.Dimensions = 0 }},
		{"bad distance", func(p *IndexParams) { p.Distance = "manhattan" }},
		{"two algorithms", func(p *IndexParams) { p.Algorithm.BruteForce = true }},
		{"negative neighbors", func(p *IndexParams) { p.ApproximateNeighborsCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := skillParams()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), errs.ErrValidation)
		})
	}
	assert.NoError(t, skillParams().Validate())
}

func TestEnsureIndexIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	var ready []IndexHandle
	g := NewGateway(backend, WithReadyHook(func(_ context.Context, _ IndexParams, h IndexHandle) error {
		ready = append(ready, h)
		return nil
	}))

	op, err := g.EnsureIndex(context.Background(), skillParams())
	require.NoError(t, err)
	assert.Equal(t, "skill_snhu", op.Target)
	done := waitDone(t, g, op.Name)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.Result)
	assert.Equal(t, "skill_snhu", done.Result.ID)

	params := skillParams()
	params.Algorithm = AlgorithmConfig{BruteForce: true}
	op2, err := g.EnsureIndex(context.Background(), params)
	require.NoError(t, err)
	done2 := waitDone(t, g, op2.Name)
	assert.Empty(t, done2.Error)

	assert.Len(t, backend.collections, 1)
	assert.True(t, backend.collections["skill_snhu"].params.Algorithm.BruteForce)
	assert.Len(t, ready, 2)
}

func TestEnsureIndexRejectsDimensionChange(t *testing.T) {
	g := NewGateway(NewMemoryBackend())
	op, err := g.EnsureIndex(context.Background(), skillParams())
	require.NoError(t, err)
	waitDone(t, g, op.Name)

	params := skillParams()
	params.Dimensions = 3
	op, err = g.EnsureIndex(context.Background(), params)
	require.NoError(t, err)
	done := waitDone(t, g, op.Name)
	assert.Contains(t, done.Error, "cannot change")
}

func TestEnsureIndexRejectsDistanceChange(t *testing.T) {
	backend := NewMemoryBackend()
	g := NewGateway(backend)
	op, err := g.EnsureIndex(context.Background(), skillParams())
	require.NoError(t, err)
	waitDone(t, g, op.Name)

	params := skillParams()
	params.Distance = DistanceDot
	op, err = g.EnsureIndex(context.Background(), params)
	require.NoError(t, err)
	done := waitDone(t, g, op.Name)
	assert.Contains(t, done.Error, "uses cosine distance, cannot change to dot in place")
	assert.Equal(t, DistanceCosine, backend.collections["skill_snhu"].params.Distance)
}

func TestSearchEfVisibleToOtherGateways(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	g := NewGateway(backend)
	op, err := g.EnsureIndex(ctx, skillParams())
	require.NoError(t, err)
	waitDone(t, g, op.Name)

	// another process sharing the index service
	other := NewGateway(backend)
	h, err := other.GetIndex(ctx, "skill_snhu")
	require.NoError(t, err)
	assert.Equal(t, 32, h.ApproximateNeighborsCount)
}

func TestEnsureIndexInvalidParams(t *testing.T) {
	g := NewGateway(NewMemoryBackend())
	params := skillParams()
	params.Dimensions = 0

	_, err := g.EnsureIndex(context.Background(), params)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetOperationStatusUnknown(t *testing.T) {
	g := NewGateway(NewMemoryBackend())
	_, err := g.GetOperationStatus("operations/nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSearchMissingIndex(t *testing.T) {
	g := NewGateway(NewMemoryBackend())
	_, err := g.Search(context.Background(), "skill_nowhere", [][]float32{{1, 0}}, 5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSearchReturnsNearestPerQuery(t *testing.T) {
	backend := NewMemoryBackend()
	m := metrics.NewCollector()
	g := NewGateway(backend, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, backend.CreateCollection(ctx, "skill_snhu", skillParams()))
	require.NoError(t, g.UpsertDatapoints(ctx, "skill_snhu", []Datapoint{
		{EntityID: "east", Vector: []float32{1, 0}},
		{EntityID: "north", Vector: []float32{0, 1}},
		{EntityID: "northeast", Vector: []float32{1, 1}},
	}))

	results, err := g.Search(ctx, "skill_snhu", [][]float32{{0, 1}, {1, 0.1}}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "north", results[0][0].ID)
	assert.Equal(t, "northeast", results[0][1].ID)
	assert.Equal(t, "east", results[1][0].ID)
	assert.LessOrEqual(t, results[1][0].Distance, results[1][1].Distance)
	assert.NotNil(t, m.Snapshot().Operations[metrics.OpIndexSearch])

	require.NoError(t, g.RemoveDatapoints(ctx, "skill_snhu", []string{"north"}))
	results, err = g.Search(ctx, "skill_snhu", [][]float32{{0, 1}}, 3)
	require.NoError(t, err)
	assert.Len(t, results[0], 2)
}

func TestDeleteIndex(t *testing.T) {
	backend := NewMemoryBackend()
	g := NewGateway(backend)
	ctx := context.Background()

	assert.ErrorIs(t, g.DeleteIndex(ctx, "skill_snhu"), errs.ErrNotFound)

	require.NoError(t, backend.CreateCollection(ctx, "skill_snhu", skillParams()))
	require.NoError(t, g.DeleteIndex(ctx, "skill_snhu"))

	_, err := g.GetIndex(ctx, "skill_snhu")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

type failingBackend struct {
	*MemoryBackend
	err error
}

func (f failingBackend) CreateCollection(context.Context, string, IndexParams) error { return f.err }

func TestEnsureIndexFailureIsInternal(t *testing.T) {
	g := NewGateway(failingBackend{MemoryBackend: NewMemoryBackend(), err: errors.New("quota exceeded")})
	op, err := g.EnsureIndex(context.Background(), skillParams())
	require.NoError(t, err)
	done := waitDone(t, g, op.Name)
	assert.Contains(t, done.Error, "create index")
	assert.Contains(t, done.Error, "quota exceeded")
}

func TestPointIDDeterministic(t *testing.T) {
	assert.Equal(t, PointID("skill-1"), PointID("skill-1"))
	assert.NotEqual(t, PointID("skill-1"), PointID("skill-2"))
	assert.Len(t, PointID("x"), 36)
}

func TestScoreToDistance(t *testing.T) {
	assert.InDelta(t, 0.3, scoreToDistance(DistanceCosine, 0.7), 1e-9)
	assert.Equal(t, -2.0, scoreToDistance(DistanceDot, 2))
	assert.Equal(t, 1.5, scoreToDistance(DistanceEuclidean, 1.5))
}

func TestHNSWDiff(t *testing.T) {
	p := skillParams()
	d := hnswDiff(p)
	require.NotNil(t, d)
	assert.Equal(t, uint64(16), d.GetM())
	assert.Equal(t, uint64(100), d.GetEfConstruct())

	p.Algorithm = AlgorithmConfig{BruteForce: true}
	assert.Equal(t, uint64(0), hnswDiff(p).GetM())

	p.Algorithm = AlgorithmConfig{}
	assert.Nil(t, hnswDiff(p))
}
