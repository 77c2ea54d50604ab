//go:build integration

// Package db provides integration tests for SurrealDB operations.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func resetDB(t *testing.T) {
	t.Helper()
	require.NoError(t, testDB.WipeData(context.Background()))
}

func TestPing(t *testing.T) {
	require.NoError(t, testDB.Ping(context.Background()))
}

// =============================================================================
// ENTITY TESTS
// =============================================================================

func TestUpsertAndGetEntity(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	created, err := testDB.UpsertEntity(ctx, models.Entity{
		ID:          "skill-1",
		ObjectType:  models.ObjectTypeSkill,
		Name:        "Budgeting",
		Description: "Plan and track spend",
		SourceName:  "lightcast",
	})
	require.NoError(t, err)
	assert.Equal(t, "skill-1", created.ID)
	assert.False(t, created.CreatedTime.IsZero())

	got, err := testDB.GetEntity(ctx, "skill-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Budgeting", got.Name)
	assert.Equal(t, models.Source("lightcast"), got.SourceName)

	missing, err := testDB.GetEntity(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertEntityKeepsAlignmentsWhenOmitted(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	am := models.AlignmentMap{}
	am.Set(models.DimensionSkill, "snhu", models.AlignedSuggested{
		Suggested: []models.AlignmentEntry{{ID: "s2", Name: "Other", Score: 0.5}},
	})
	_, err := testDB.UpsertEntity(ctx, models.Entity{ID: "skill-2", ObjectType: models.ObjectTypeSkill, Name: "A", Alignments: am})
	require.NoError(t, err)

	_, err = testDB.UpsertEntity(ctx, models.Entity{ID: "skill-2", ObjectType: models.ObjectTypeSkill, Name: "A renamed"})
	require.NoError(t, err)

	got, err := testDB.GetEntity(ctx, "skill-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A renamed", got.Name)
	assert.Len(t, got.Alignments.Get(models.DimensionSkill, "snhu").Suggested, 1)
}

func TestGetEntitiesAndListBySource(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	for i := range 5 {
		src := models.Source("snhu")
		if i%2 == 1 {
			src = "lightcast"
		}
		_, err := testDB.UpsertEntity(ctx, models.Entity{
			ID:         fmt.Sprintf("e%d", i),
			ObjectType: models.ObjectTypeSkill,
			Name:       fmt.Sprintf("Entity %d", i),
			SourceName: src,
		})
		require.NoError(t, err)
	}

	got, err := testDB.GetEntities(ctx, []string{"e0", "e1", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	count, err := testDB.CountBySourceName(ctx, models.ObjectTypeSkill, "snhu")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	page1, err := testDB.ListBySourceName(ctx, models.ObjectTypeSkill, "snhu", 0, 2)
	require.NoError(t, err)
	page2, err := testDB.ListBySourceName(ctx, models.ObjectTypeSkill, "snhu", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.Len(t, page2, 1)
}

func TestUpdateAlignmentsMissingEntity(t *testing.T) {
	resetDB(t)
	err := testDB.UpdateAlignments(context.Background(), "ghost", models.AlignmentMap{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteEntity(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	_, err := testDB.UpsertEntity(ctx, models.Entity{ID: "gone", ObjectType: models.ObjectTypeRole, Name: "Analyst"})
	require.NoError(t, err)

	deleted, err := testDB.DeleteEntity(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = testDB.DeleteEntity(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, deleted)
}

// =============================================================================
// DATA SOURCE TESTS
// =============================================================================

func TestSaveDataSourceVersioning(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	ds := models.DataSource{
		ObjectType:            models.ObjectTypeSkill,
		Sources:               []models.Source{"snhu", "lightcast"},
		MatchingEngineIndexID: map[models.Source]string{"snhu": "skill_snhu"},
	}
	saved, err := testDB.SaveDataSource(ctx, ds, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	// second create loses
	_, err = testDB.SaveDataSource(ctx, ds, 0)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	ds.Sources = append(ds.Sources, "onet")
	saved, err = testDB.SaveDataSource(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
	assert.Len(t, saved.Sources, 3)

	// stale version
	_, err = testDB.SaveDataSource(ctx, ds, 1)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	got, err := testDB.GetDataSource(ctx, models.ObjectTypeSkill)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "skill_snhu", got.MatchingEngineIndexID["snhu"])

	all, err := testDB.ListDataSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	deleted, err := testDB.DeleteDataSource(ctx, models.ObjectTypeSkill)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err = testDB.GetDataSource(ctx, models.ObjectTypeSkill)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// BATCH JOB TESTS
// =============================================================================

func newJob(signature string) models.BatchJob {
	return models.BatchJob{
		ID:        uuid.NewString(),
		Type:      "batch_align",
		Status:    models.JobStatusActive,
		InputData: map[string]any{"source_name": "snhu"},
		Signature: signature,
		CreatedBy: "tester",
	}
}

func TestCreateJobRejectsDuplicateActiveSignature(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	first, err := testDB.CreateJob(ctx, newJob("sig-a"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, first.Status)

	_, err = testDB.CreateJob(ctx, newJob("sig-a"))
	assert.ErrorIs(t, err, errs.ErrConflict)

	found, err := testDB.FindActiveJob(ctx, "sig-a")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	// once terminal the signature is free again
	ok, err := testDB.FinishJob(ctx, first.ID, models.JobStatusSucceeded, models.JobOutput{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = testDB.CreateJob(ctx, newJob("sig-a"))
	assert.NoError(t, err)
}

func TestFinishJobOnlyFromActive(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	job, err := testDB.CreateJob(ctx, newJob("sig-b"))
	require.NoError(t, err)

	path := "gs://bucket/out.jsonl"
	ok, err := testDB.FinishJob(ctx, job.ID, models.JobStatusSucceeded, models.JobOutput{
		OutputGCSPath: &path,
		Metadata:      map[string]any{"aligned": 3},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.FinishJob(ctx, job.ID, models.JobStatusAborted, models.JobOutput{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.OutputGCSPath)
	assert.Equal(t, path, *got.OutputGCSPath)
}

func TestJobProgressErrorsAndClaim(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	job, err := testDB.CreateJob(ctx, newJob("sig-c"))
	require.NoError(t, err)

	require.NoError(t, testDB.UpdateJobProgress(ctx, job.ID, 2, 10))
	require.NoError(t, testDB.AppendJobErrors(ctx, job.ID, []string{"e1: not found"}))
	require.NoError(t, testDB.AppendJobErrors(ctx, job.ID, []string{"e2: not found"}))

	next, err := testDB.NextClaimableJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)

	ok, err := testDB.ClaimJob(ctx, job.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.ClaimJob(ctx, job.ID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = testDB.RenewJobClaim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress)
	assert.Equal(t, 10, got.Total)
	assert.Equal(t, []string{"e1: not found", "e2: not found"}, got.Errors)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "worker-1", *got.ClaimedBy)

	next, err = testDB.NextClaimableJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStaleJobClaimIsTakenOver(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	job, err := testDB.CreateJob(ctx, newJob("sig-stale"))
	require.NoError(t, err)
	ok, err := testDB.ClaimJob(ctx, job.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	next, err := testDB.NextClaimableJob(ctx, "worker-2", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)

	ok, err = testDB.ClaimJob(ctx, job.ID, "worker-2", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.RenewJobClaim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteJobRefusesActive(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	job, err := testDB.CreateJob(ctx, newJob("sig-d"))
	require.NoError(t, err)

	deleted, err := testDB.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = testDB.FinishJob(ctx, job.ID, models.JobStatusFailed, models.JobOutput{Errors: []string{"boom"}})
	require.NoError(t, err)

	deleted, err = testDB.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	jobs, err := testDB.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
