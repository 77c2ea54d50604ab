package align

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/memstore"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(pairs ...any) []models.AlignmentEntry {
	out := make([]models.AlignmentEntry, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, models.AlignmentEntry{ID: pairs[i].(string), Score: pairs[i+1].(float64)})
	}
	return out
}

func TestMergeSuggested(t *testing.T) {
	existing := entries("a", 0.5, "b", 0.9)
	incoming := entries("a", 0.7, "c", 0.1, "b", 0.3)

	got := MergeSuggested(existing, incoming, 0)
	assert.Equal(t, entries("b", 0.9, "a", 0.7, "c", 0.1), got)

	assert.Equal(t, entries("b", 0.9, "a", 0.7), MergeSuggested(existing, incoming, 2))
}

func TestNormalizeAlignments(t *testing.T) {
	in := models.AlignmentMap{
		models.DimensionSkill: {
			"snhu": {
				Aligned:   entries("a", 0.1, "b", 0.9),
				Suggested: entries("c", 0.2, "c", 0.8, "d", 0.5),
			},
		},
	}
	got := NormalizeAlignments(in)

	rec := got.Get(models.DimensionSkill, "snhu")
	assert.Equal(t, entries("b", 0.9, "a", 0.1), rec.Aligned)
	assert.Equal(t, entries("c", 0.8, "d", 0.5), rec.Suggested)
	assert.Equal(t, entries("a", 0.1, "b", 0.9), in.Get(models.DimensionSkill, "snhu").Aligned, "input is not mutated")
	assert.Nil(t, NormalizeAlignments(nil))
}

func TestMergeSuggestedIdempotent(t *testing.T) {
	list := entries("x", 0.3, "y", 0.8, "z", 0.5)
	once := MergeSuggested(list, list, 0)
	twice := MergeSuggested(once, list, 0)
	assert.Equal(t, once, twice)
	assert.Len(t, twice, 3)
}

func seedEntity(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	e := models.Entity{ID: id, ObjectType: models.ObjectTypeLearningUnit, Name: id}
	e.SetAlignment(models.DimensionSkill, "snhu", models.AlignedSuggested{
		Aligned:   entries("cur1", 0.2, "cur2", 0.6),
		Suggested: entries("old", 0.4, "keep", 0.5),
	})
	_, err := store.UpsertEntity(context.Background(), e)
	require.NoError(t, err)
}

func TestUpdateSuggestedReplace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedEntity(t, store, "lu1")
	p := NewPersister(store, nil)

	report := p.UpdateSuggested(ctx, []models.AlignmentResult{
		{QueryID: "lu1", Candidates: entries("new", 0.9, "keep", 0.1)},
	}, models.DimensionSkill, "snhu", models.ModeReplace)
	assert.Equal(t, []string{"lu1"}, report.Succeeded)
	assert.Empty(t, report.Failed)

	got, _ := store.GetEntity(ctx, "lu1")
	rec := got.Alignments.Get(models.DimensionSkill, "snhu")
	assert.Equal(t, entries("new", 0.9, "keep", 0.1), rec.Suggested)
	assert.Equal(t, entries("cur2", 0.6, "cur1", 0.2), rec.Aligned)
}

func TestUpdateSuggestedMerge(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedEntity(t, store, "lu1")
	p := NewPersister(store, nil)

	p.UpdateSuggested(ctx, []models.AlignmentResult{
		{QueryID: "lu1", Candidates: entries("new", 0.9, "keep", 0.1)},
	}, models.DimensionSkill, "snhu", models.ModeMerge)

	got, _ := store.GetEntity(ctx, "lu1")
	rec := got.Alignments.Get(models.DimensionSkill, "snhu")
	assert.Equal(t, entries("new", 0.9, "keep", 0.5, "old", 0.4), rec.Suggested)
	assert.Len(t, rec.Aligned, 2)
}

// flakyWriter fails writes for chosen ids.
type flakyWriter struct {
	*memstore.Store
	failOn map[string]bool
}

func (w *flakyWriter) UpdateAlignments(ctx context.Context, id string, am models.AlignmentMap) error {
	if w.failOn[id] {
		return errors.New("write refused")
	}
	return w.Store.UpdateAlignments(ctx, id, am)
}

func TestUpdateSuggestedPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	for _, id := range []string{"a", "b", "c"} {
		seedEntity(t, store, id)
	}
	p := NewPersister(&flakyWriter{Store: store, failOn: map[string]bool{"b": true}}, nil)

	report := p.UpdateSuggested(ctx, []models.AlignmentResult{
		{QueryID: "a", Candidates: entries("n", 0.9)},
		{QueryID: "b", Candidates: entries("n", 0.9)},
		{QueryID: "c", Candidates: entries("n", 0.9)},
		{QueryID: "ghost", Candidates: entries("n", 0.9)},
	}, models.DimensionSkill, "snhu", models.ModeReplace)

	assert.Equal(t, []string{"a", "c"}, report.Succeeded)
	assert.Contains(t, report.Failed["b"], "write refused")
	assert.Contains(t, report.Failed, "ghost")

	a, _ := store.GetEntity(ctx, "a")
	assert.Equal(t, entries("n", 0.9), a.Alignments.Get(models.DimensionSkill, "snhu").Suggested)
	b, _ := store.GetEntity(ctx, "b")
	assert.Equal(t, entries("keep", 0.5, "old", 0.4), b.Alignments.Get(models.DimensionSkill, "snhu").Suggested)
}

func TestSetAligned(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedEntity(t, store, "lu1")
	p := NewPersister(store, nil)

	ent, err := p.SetAligned(ctx, "lu1", models.DimensionSkill, "snhu", entries("x", 0.1, "y", 0.8))
	require.NoError(t, err)
	rec := ent.Alignments.Get(models.DimensionSkill, "snhu")
	assert.Equal(t, entries("y", 0.8, "x", 0.1), rec.Aligned)
	assert.Len(t, rec.Suggested, 2)

	_, err = p.SetAligned(ctx, "nope", models.DimensionSkill, "snhu", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = p.SetAligned(ctx, "lu1", "bogus", "snhu", nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
