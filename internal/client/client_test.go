package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDetailIsSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/skill-alignment/batch", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-User"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Job already running for same request"})
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.StartBatch(context.Background(), models.BatchAlignRequest{IDs: []string{"a"}})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "Job already running for same request")
}

func TestAlignQueryDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.AlignByQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []models.Source{"snhu"}, req.TargetSources)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        req.Name,
			"description": "",
			"aligned_skills": map[string]any{
				"snhu": []map[string]any{{"id": "s1", "name": "Networking", "score": 0.9}},
			},
		})
	}))
	defer ts.Close()

	res, err := New(ts.URL+"/").AlignQuery(context.Background(), models.AlignByQueryRequest{
		Name:          "IT Services",
		TargetSources: []models.Source{"snhu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "IT Services", res.Name)
	require.Len(t, res.AlignedSkills["snhu"], 1)
	assert.Equal(t, "s1", res.AlignedSkills["snhu"][0].ID)
}

func TestWatchJobStopsAtTerminalStatus(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/batch_align/j1/watch", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, st := range []models.JobStatus{models.JobStatusActive, models.JobStatusActive, models.JobStatusSucceeded} {
			_ = conn.WriteJSON(models.BatchJob{ID: "j1", Status: st, Progress: i, Total: 2})
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "succeeded"), time.Now().Add(time.Second))
	}))
	defer ts.Close()

	var seen []models.JobStatus
	err := New(ts.URL).WatchJob(context.Background(), "batch_align", "j1", func(job models.BatchJob) error {
		seen = append(seen, job.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []models.JobStatus{models.JobStatusActive, models.JobStatusActive, models.JobStatusSucceeded}, seen)
}

func TestWaitOperation(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/abc", r.URL.Path)
		calls++
		_ = json.NewEncoder(w).Encode(Operation{Name: "operations/abc", Done: calls >= 3})
	}))
	defer ts.Close()

	op, err := New(ts.URL).WaitOperation(context.Background(), "operations/abc", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.Equal(t, 3, calls)
}
