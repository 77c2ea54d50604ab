package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/skillalign/internal/app"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/server"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve exposes a over HTTP for the rest of the test.
func serve(t *testing.T, a *app.App) *testEnv {
	t.Helper()
	ts := httptest.NewServer(server.New(a, testLogger(), server.WithVersion("test")).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{app: a, url: ts.URL}
}

func TestShutdownFailsRunningJob(t *testing.T) {
	env := setup(t, "local")
	env.models.gate = make(chan struct{})
	env.models.entered = make(chan struct{}, 1)

	body := map[string]any{
		"ids":                     []string{"q1"},
		"skill_alignment_sources": []string{"snhu"},
		"update_alignments":       true,
	}
	var created server.BatchResponse
	code, _ := env.call(t, http.MethodPost, "/skill-alignment/batch", body, &created)
	require.Equal(t, http.StatusOK, code)

	select {
	case <-env.models.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the embedder")
	}
	env.app.Shutdown()

	var job models.BatchJob
	code, _ = env.call(t, http.MethodGet, "/jobs/batch_align/"+created.JobName, nil, &job)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, []string{"interrupted after 0 of 1 entities"}, job.Errors)

	// the restarted server accepts the same request again
	close(env.models.gate)
	restarted := serve(t, env.peer(t, "local", "server-a"))
	require.NoError(t, restarted.app.RecoverJobs(context.Background()))

	var again server.BatchResponse
	code, detail := restarted.call(t, http.MethodPost, "/skill-alignment/batch", body, &again)
	require.Equal(t, http.StatusOK, code, detail)
	assert.Eventually(t, func() bool {
		var j models.BatchJob
		c, _ := restarted.call(t, http.MethodGet, "/jobs/batch_align/"+again.JobName, nil, &j)
		return c == http.StatusOK && j.Status == models.JobStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRestartRecoversJobOfCrashedProcess(t *testing.T) {
	ctx := context.Background()
	env := setup(t, "queue")

	body := map[string]any{
		"ids":                     []string{"q1"},
		"skill_alignment_sources": []string{"snhu"},
	}
	var created server.BatchResponse
	code, _ := env.call(t, http.MethodPost, "/skill-alignment/batch", body, &created)
	require.Equal(t, http.StatusOK, code)

	// server-a was running the job in-process when it died
	ok, err := env.store.ClaimJob(ctx, created.JobName, "server-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	restarted := serve(t, env.peer(t, "local", "server-a"))
	require.NoError(t, restarted.app.RecoverJobs(ctx))

	var job models.BatchJob
	code, _ = restarted.call(t, http.MethodGet, "/jobs/batch_align/"+created.JobName, nil, &job)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, []string{"interrupted: server-a restarted while the job was running"}, job.Errors)

	code, detail := restarted.call(t, http.MethodPost, "/skill-alignment/batch", body, nil)
	assert.Equal(t, http.StatusOK, code, detail)
}

func TestWorkerSeesSourcesAddedAfterItStarted(t *testing.T) {
	ctx := context.Background()
	env := setup(t, "queue")
	// the worker loads the registry now, before emsi gets an index
	w := env.peer(t, "queue", "worker-1")

	_, err := env.app.Store.UpsertEntity(ctx, models.Entity{
		ID: "e1", ObjectType: models.ObjectTypeSkill, Name: "Cloud Computing", SourceName: "emsi",
	})
	require.NoError(t, err)
	op, err := env.app.Index.EnsureIndex(ctx, vectorindex.IndexParams{
		ObjectType: models.ObjectTypeSkill,
		Source:     "emsi",
		Dimensions: 3,
		Distance:   vectorindex.DistanceCosine,
	})
	require.NoError(t, err)
	env.app.Index.WaitOperations()
	done, err := env.app.Index.GetOperationStatus(op.Name)
	require.NoError(t, err)
	require.Empty(t, done.Error)
	_, err = env.app.Indexer.Populate(ctx, models.ObjectTypeSkill, "emsi", "skill_emsi")
	require.NoError(t, err)

	var created server.BatchResponse
	code, detail := env.call(t, http.MethodPost, "/skill-alignment/batch", map[string]any{
		"ids":                     []string{"q1"},
		"skill_alignment_sources": []string{"snhu", "emsi"},
		"top_k":                   1,
		"update_alignments":       true,
	}, &created)
	require.Equal(t, http.StatusOK, code, detail)

	ran, err := w.NewPoller().Once(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	var job models.BatchJob
	code, _ = env.call(t, http.MethodGet, "/jobs/batch_align/"+created.JobName, nil, &job)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.JobStatusSucceeded, job.Status, "errors: %v", job.Errors)

	ent, err := env.app.Store.GetEntity(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(ent.Alignments.Get(models.DimensionSkill, "emsi").Suggested))

}

func TestOmittedTopKIsSameRequestAsDefault(t *testing.T) {
	env := setup(t, "queue")

	code, _ := env.call(t, http.MethodPost, "/skill-alignment/batch", map[string]any{
		"ids":                     []string{"q1"},
		"skill_alignment_sources": []string{"snhu"},
	}, nil)
	require.Equal(t, http.StatusOK, code)

	code, detail := env.call(t, http.MethodPost, "/skill-alignment/batch", map[string]any{
		"ids":                     []string{"q1"},
		"skill_alignment_sources": []string{"snhu"},
		"top_k":                   models.DefaultTopK,
	}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Job already running for same request", detail)
}
