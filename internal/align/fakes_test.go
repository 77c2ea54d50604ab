package align

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/raphaelgruber/skillalign/internal/memstore"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/registry"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
	"github.com/stretchr/testify/require"
)

// fakeModels embeds each distinct text as a one-dimensional vector holding
// its first-seen ordinal and scores candidates from a lookup table.
type fakeModels struct {
	mu          sync.Mutex
	ordinals    map[string]int
	texts       []string
	scores      map[string]float64
	embedCalls  atomic.Int32
	rerankCalls atomic.Int32
	rerankErr   error
}

func newFakeModels(scores map[string]float64) *fakeModels {
	return &fakeModels{ordinals: map[string]int{}, scores: scores}
}

func (f *fakeModels) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.embedCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		n, ok := f.ordinals[t]
		if !ok {
			n = len(f.texts)
			f.ordinals[t] = n
			f.texts = append(f.texts, t)
		}
		out[i] = []float32{float32(n)}
	}
	return out, nil
}

func (f *fakeModels) Rerank(_ context.Context, _ string, candidates []string) ([]float64, error) {
	f.rerankCalls.Add(1)
	if f.rerankErr != nil {
		return nil, f.rerankErr
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = f.scores[c]
	}
	return out, nil
}

func (f *fakeModels) textOf(v []float32) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[int(v[0])]
}

// fakeSearcher returns hits keyed by query text, falling back to all.
type fakeSearcher struct {
	models  *fakeModels
	byText  map[string][]string
	all     []string
	indexes []string
	topKs   []int
	mu      sync.Mutex
}

func (s *fakeSearcher) Search(_ context.Context, indexID string, vectors [][]float32, topK int) ([][]vectorindex.CandidateRef, error) {
	s.mu.Lock()
	s.indexes = append(s.indexes, indexID)
	s.topKs = append(s.topKs, topK)
	s.mu.Unlock()

	out := make([][]vectorindex.CandidateRef, len(vectors))
	for i, v := range vectors {
		ids, ok := s.byText[s.models.textOf(v)]
		if !ok {
			ids = s.all
		}
		refs := make([]vectorindex.CandidateRef, 0, len(ids))
		for j, id := range ids {
			if j == topK {
				break
			}
			refs = append(refs, vectorindex.CandidateRef{ID: id, Distance: float64(j) / 10})
		}
		out[i] = refs
	}
	return out, nil
}

type fixture struct {
	store    *memstore.Store
	registry *registry.Registry
	models   *fakeModels
	searcher *fakeSearcher
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	reg := registry.New(store, nil)
	_, err := reg.AddSources(ctx, models.ObjectTypeSkill, "snhu", "emsi", "osn")
	require.NoError(t, err)
	require.NoError(t, reg.SetIndexID(ctx, models.ObjectTypeSkill, "snhu", "skill_snhu"))
	require.NoError(t, reg.SetIndexID(ctx, models.ObjectTypeSkill, "emsi", "skill_emsi"))

	fm := newFakeModels(map[string]float64{})
	fs := &fakeSearcher{models: fm, byText: map[string][]string{}}
	return &fixture{
		store:    store,
		registry: reg,
		models:   fm,
		searcher: fs,
		engine:   NewEngine(store, fm, fs, reg, opts...),
	}
}

func (f *fixture) addEntity(t *testing.T, id, name, desc string, source models.Source) {
	t.Helper()
	_, err := f.store.UpsertEntity(context.Background(), models.Entity{
		ID: id, ObjectType: models.ObjectTypeSkill, Name: name, Description: desc, SourceName: source,
	})
	require.NoError(t, err)
}

func (f *fixture) addCorpus(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("c%02d", i)
		name := fmt.Sprintf("Candidate %02d", i)
		f.addEntity(t, ids[i], name, "", "snhu")
		f.models.scores[name] = float64((i*37)%n) / float64(n)
	}
	f.searcher.all = ids
	return ids
}
