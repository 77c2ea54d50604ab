package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/skillalign/internal/db"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityCopiesDoNotAlias(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := models.Entity{ID: "a", ObjectType: models.ObjectTypeSkill, Name: "A"}
	e.SetAlignment(models.DimensionSkill, "snhu", models.AlignedSuggested{
		Suggested: []models.AlignmentEntry{{ID: "x", Score: 0.4}},
	})
	_, err := s.UpsertEntity(ctx, e)
	require.NoError(t, err)

	got, err := s.GetEntity(ctx, "a")
	require.NoError(t, err)
	got.Alignments[models.DimensionSkill]["snhu"].Suggested[0].Score = 1

	again, err := s.GetEntity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0.4, again.Alignments.Get(models.DimensionSkill, "snhu").Suggested[0].Score)
}

func TestUpsertKeepsAlignmentsWhenNil(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := models.Entity{ID: "a", ObjectType: models.ObjectTypeSkill, Name: "A"}
	e.SetAlignment(models.DimensionSkill, "snhu", models.AlignedSuggested{Aligned: []models.AlignmentEntry{{ID: "x"}}})
	_, err := s.UpsertEntity(ctx, e)
	require.NoError(t, err)

	_, err = s.UpsertEntity(ctx, models.Entity{ID: "a", ObjectType: models.ObjectTypeSkill, Name: "B"})
	require.NoError(t, err)

	got, _ := s.GetEntity(ctx, "a")
	assert.Equal(t, "B", got.Name)
	assert.Len(t, got.Alignments.Get(models.DimensionSkill, "snhu").Aligned, 1)
}

func TestListBySourceNamePages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"c", "a", "b", "d"} {
		_, err := s.UpsertEntity(ctx, models.Entity{ID: id, ObjectType: models.ObjectTypeSkill, SourceName: "snhu"})
		require.NoError(t, err)
	}
	_, _ = s.UpsertEntity(ctx, models.Entity{ID: "z", ObjectType: models.ObjectTypeRole, SourceName: "snhu"})

	page, err := s.ListBySourceName(ctx, models.ObjectTypeSkill, "snhu", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	page, err = s.ListBySourceName(ctx, models.ObjectTypeSkill, "snhu", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	n, err := s.CountBySourceName(ctx, models.ObjectTypeSkill, "snhu")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestUpdateAlignmentsUnknown(t *testing.T) {
	err := New().UpdateAlignments(context.Background(), "nope", models.AlignmentMap{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSaveDataSourceCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	ds := models.DataSource{ObjectType: models.ObjectTypeSkill, Sources: []models.Source{"snhu"}}

	saved, err := s.SaveDataSource(ctx, ds, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = s.SaveDataSource(ctx, ds, 0)
	assert.ErrorIs(t, err, db.ErrConcurrentUpdate)

	saved, err = s.SaveDataSource(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := models.BatchJob{ID: "j1", Type: "batch_align", Status: models.JobStatusActive, Signature: "sig"}
	_, err := s.CreateJob(ctx, job)
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, models.BatchJob{ID: "j2", Type: "batch_align", Status: models.JobStatusActive, Signature: "sig"})
	assert.ErrorIs(t, err, errs.ErrConflict)

	ok, err := s.ClaimJob(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.ClaimJob(ctx, "j1", "w2", time.Minute)
	assert.False(t, ok)

	next, err := s.NextClaimableJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	deleted, _ := s.DeleteJob(ctx, "j1")
	assert.False(t, deleted)

	ok, err = s.FinishJob(ctx, "j1", models.JobStatusAborted, models.JobOutput{})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.FinishJob(ctx, "j1", models.JobStatusSucceeded, models.JobOutput{})
	assert.False(t, ok)

	got, _ := s.GetJob(ctx, "j1")
	assert.Equal(t, models.JobStatusAborted, got.Status)

	deleted, _ = s.DeleteJob(ctx, "j1")
	assert.True(t, deleted)
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.CreateJob(ctx, models.BatchJob{ID: "j1", Type: "batch_align", Status: models.JobStatusActive, Signature: "sig"})
	require.NoError(t, err)
	ok, err := s.ClaimJob(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the owner itself may reclaim after a restart
	next, err := s.NextClaimableJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "j1", next.ID)

	now = now.Add(30 * time.Second)
	ok, err = s.RenewJobClaim(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(50 * time.Second)
	next, _ = s.NextClaimableJob(ctx, "w2", time.Minute)
	assert.Nil(t, next, "renewed claim is still live")

	now = now.Add(20 * time.Second)
	next, _ = s.NextClaimableJob(ctx, "w2", time.Minute)
	require.NotNil(t, next)
	ok, err = s.ClaimJob(ctx, "j1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.RenewJobClaim(ctx, "j1", "w1")
	assert.False(t, ok, "previous owner lost the claim")

	got, _ := s.GetJob(ctx, "j1")
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "w2", *got.ClaimedBy)
}
