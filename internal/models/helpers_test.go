package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	s, err := RecordIDString(surrealmodels.RecordID{Table: "entity", ID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = RecordIDString(surrealmodels.RecordID{Table: "entity", ID: 42})
	assert.Error(t, err)
}

func TestObjectTypeLabel(t *testing.T) {
	tests := []struct {
		in   ObjectType
		want string
	}{
		{ObjectTypeSkill, "Skill"},
		{ObjectTypeLearningUnit, "Learning Unit"},
		{"employment-role", "Employment Role"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Label())
		})
	}
}

func TestSortEntries(t *testing.T) {
	entries := []AlignmentEntry{
		{ID: "b", Score: 0.5},
		{ID: "a", Score: 0.9},
		{ID: "c", Score: 0.5},
	}
	SortEntries(entries)
	assert.Equal(t, []string{"a", "b", "c"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
}

func TestAlignmentMapSetSorts(t *testing.T) {
	var e Entity
	e.SetAlignment(DimensionSkill, "emsi", AlignedSuggested{
		Aligned:   []AlignmentEntry{{ID: "x", Score: 0.1}, {ID: "y", Score: 0.8}},
		Suggested: []AlignmentEntry{{ID: "z", Score: 0.3}, {ID: "w", Score: 0.6}},
	})

	rec := e.Alignments.Get(DimensionSkill, "emsi")
	assert.Equal(t, "y", rec.Aligned[0].ID)
	assert.Equal(t, "w", rec.Suggested[0].ID)
	assert.Empty(t, e.Alignments.Get(DimensionRole, "emsi").Suggested)
}

func TestEntityCloneIsDeep(t *testing.T) {
	var e Entity
	e.SetAlignment(DimensionSkill, "osn", AlignedSuggested{Suggested: []AlignmentEntry{{ID: "a", Score: 1}}})

	cp := e.Clone()
	cp.Alignments[DimensionSkill]["osn"].Suggested[0].Score = 0

	assert.Equal(t, 1.0, e.Alignments.Get(DimensionSkill, "osn").Suggested[0].Score)
}

func TestBatchAlignRequestDefaults(t *testing.T) {
	r := BatchAlignRequest{}
	r.Defaults()
	assert.Equal(t, ObjectTypeSkill, r.ObjectType)
	assert.Equal(t, ModeReplace, r.Mode)
	assert.Equal(t, DimensionSkill, r.Dimension)
	assert.Equal(t, DefaultTopK, r.TopK)

	r = BatchAlignRequest{TopK: 3}
	r.Defaults()
	assert.Equal(t, 3, r.TopK)
}
