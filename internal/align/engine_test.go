package align

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snhu = Target{ObjectType: models.ObjectTypeSkill, Source: "snhu"}

func TestAlignITServicesScenario(t *testing.T) {
	f := newFixture(t)
	f.addEntity(t, "S1", "IT Privacy & Protection", "", "snhu")
	f.addEntity(t, "S2", "IT Security Framework", "", "snhu")
	f.searcher.all = []string{"S1", "S2"}
	f.models.scores["IT Privacy & Protection"] = 0.699
	f.models.scores["IT Security Framework"] = 0.579

	got, err := f.engine.Align(context.Background(), []Query{{Name: "IT Services"}}, snhu, 5)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, []models.AlignmentEntry{
		{ID: "S1", Name: "IT Privacy & Protection", Score: 0.699},
		{ID: "S2", Name: "IT Security Framework", Score: 0.579},
	}, got[0].Candidates)
	assert.Equal(t, "IT Services", got[0].QueryText)
	assert.Equal(t, []string{"skill_snhu"}, f.searcher.indexes)
	assert.Equal(t, []int{DefaultCoarseTopK}, f.searcher.topKs)
}

func TestAlignRerankOrderWins(t *testing.T) {
	f := newFixture(t)
	f.addEntity(t, "A", "Alpha", "", "snhu")
	f.addEntity(t, "B", "Beta", "", "snhu")
	// retrieval order A, B; rerank prefers B
	f.searcher.all = []string{"A", "B"}
	f.models.scores["Alpha"] = 0.2
	f.models.scores["Beta"] = 0.9

	got, err := f.engine.Align(context.Background(), []Query{{Name: "query"}}, snhu, 5)
	require.NoError(t, err)
	require.Len(t, got[0].Candidates, 2)
	assert.Equal(t, "B", got[0].Candidates[0].ID)
}

func TestAlignPreservesOrderAndBoundsTopK(t *testing.T) {
	f := newFixture(t, WithConcurrency(4))
	ids := f.addCorpus(t, 40)

	queries := make([]Query, 25)
	for i := range queries {
		text := fmt.Sprintf("query %d", i)
		queries[i] = Query{Name: text}
		// each query sees a different rotation of the corpus
		f.searcher.byText[text] = append(slices.Clone(ids[i:]), ids[:i]...)
	}

	const k = 7
	got, err := f.engine.Align(context.Background(), queries, snhu, k)
	require.NoError(t, err)
	require.Len(t, got, len(queries))
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("query %d", i), r.QueryText)
		assert.LessOrEqual(t, len(r.Candidates), k)
		assert.True(t, slices.IsSortedFunc(r.Candidates, func(a, b models.AlignmentEntry) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return 0
		}), "query %d not sorted", i)
	}
	assert.Equal(t, int32(1), f.models.embedCalls.Load())
}

func TestAlignUnknownSourceMakesNoEmbedCalls(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 3)

	_, err := f.engine.Align(context.Background(), []Query{{Name: "x"}},
		Target{ObjectType: models.ObjectTypeSkill, Source: "not_a_real_source"}, 5)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "not_a_real_source")
	assert.Zero(t, f.models.embedCalls.Load())
}

func TestAlignMissingIndex(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Align(context.Background(), []Query{{Name: "x"}},
		Target{ObjectType: models.ObjectTypeSkill, Source: "osn"}, 5)
	require.ErrorIs(t, err, errs.ErrInternal)
	assert.Contains(t, err.Error(), "Please create an embeddings index first.")
	assert.Zero(t, f.models.embedCalls.Load())
}

func TestAlignRejectsBadTopK(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Align(context.Background(), []Query{{Name: "x"}}, snhu, 0)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAlignByIDUnknownFailsBeforeEmbedding(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 3)

	_, err := f.engine.Align(context.Background(), []Query{{ID: "c00"}, {ID: "ghost"}}, snhu, 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
	assert.Zero(t, f.models.embedCalls.Load())
}

func TestAlignExcludesSelfAndMissingCandidates(t *testing.T) {
	f := newFixture(t)
	f.addEntity(t, "q", "Query Skill", "", "snhu")
	f.addEntity(t, "a", "Other", "", "snhu")
	f.searcher.all = []string{"q", "a", "deleted"}
	f.models.scores["Query Skill"] = 1
	f.models.scores["Other"] = 0.5

	got, err := f.engine.Align(context.Background(), []Query{{ID: "q"}}, snhu, 5)
	require.NoError(t, err)
	assert.Equal(t, []models.AlignmentEntry{{ID: "a", Name: "Other", Score: 0.5}}, got[0].Candidates)
	assert.Equal(t, "q", got[0].QueryID)
}

func TestAlignRerankFailure(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 3)
	f.models.rerankErr = errs.Embedding("model rejected input")

	_, err := f.engine.Align(context.Background(), []Query{{Name: "x"}, {Name: "y"}}, snhu, 5)
	assert.ErrorIs(t, err, errs.ErrEmbedding)
}

func TestAlignAcrossSourcesEmbedsOnce(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 4)

	got, err := f.engine.AlignAcrossSources(context.Background(), []Query{{Name: "x"}},
		models.ObjectTypeSkill, []models.Source{"snhu", "emsi"}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, got["snhu"][0].Candidates, 2)
	assert.Len(t, got["emsi"][0].Candidates, 2)
	assert.Equal(t, int32(1), f.models.embedCalls.Load())
	assert.ElementsMatch(t, []string{"skill_snhu", "skill_emsi"}, f.searcher.indexes)
}

func TestAlignByIDsBothEmpty(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.AlignByIDs(context.Background(), models.AlignByIDsRequest{
		TargetSources: []models.Source{"snhu"},
		TopK:          5,
	})
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, "Both Skill IDs and Source name cannot be empty.", errs.Message(err))
}

func TestAlignByIDs(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 5)

	got, err := f.engine.AlignByIDs(context.Background(), models.AlignByIDsRequest{
		IDs:           []string{"c01", "c02", "c01"},
		TargetSources: []models.Source{"snhu", "emsi"},
		TopK:          3,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got["c01"]["snhu"], 3)
	assert.Len(t, got["c02"]["emsi"], 3)
	for _, e := range got["c01"]["snhu"] {
		assert.NotEqual(t, "c01", e.ID)
	}
}

func TestAlignByIDsBySourceName(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	f.addCorpus(t, 5)

	got, err := f.engine.AlignByIDs(context.Background(), models.AlignByIDsRequest{
		SourceNames:   []models.Source{"snhu"},
		TargetSources: []models.Source{"snhu"},
		TopK:          2,
	})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	// three pages of 2, 2, 1
	assert.Equal(t, int32(3), f.models.embedCalls.Load())
}

func TestAlignByQuery(t *testing.T) {
	f := newFixture(t)
	f.addCorpus(t, 4)

	got, err := f.engine.AlignByQuery(context.Background(), models.AlignByQueryRequest{
		Name:          "Cloud",
		Description:   "Operate cloud infrastructure",
		TargetSources: []models.Source{"snhu"},
		TopK:          2,
	})
	require.NoError(t, err)
	assert.Len(t, got["snhu"], 2)
	assert.Equal(t, "Cloud. Operate cloud infrastructure", f.models.texts[0])

	_, err = f.engine.AlignByQuery(context.Background(), models.AlignByQueryRequest{
		TargetSources: []models.Source{"snhu"},
		TopK:          2,
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAlignBySourceNameStopsOnCallbackError(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	f.addCorpus(t, 5)

	stop := errors.New("stop")
	pages := 0
	err := f.engine.AlignBySourceName(context.Background(), models.ObjectTypeSkill, "snhu",
		models.ObjectTypeSkill, []models.Source{"snhu"}, 3,
		func(_ context.Context, page []models.Entity, results map[models.Source][]models.AlignmentResult) error {
			pages++
			assert.Len(t, results["snhu"], len(page))
			return stop
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, pages)
}

func TestPrepareTextForEmbedding(t *testing.T) {
	tests := []struct {
		name, desc string
		want       string
		wantErr    bool
	}{
		{"", "", "", true},
		{"  ", "\t", "", true},
		{"X", "", "X", false},
		{"", "Y", "Y", false},
		{"X", "Y", "X. Y", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q/%q", tt.name, tt.desc), func(t *testing.T) {
			got, err := PrepareTextForEmbedding(tt.name, tt.desc)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
