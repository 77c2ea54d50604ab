package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// JobList is the body of GET /jobs/{job_type}.
type JobList struct {
	Jobs []models.BatchJob `json:"jobs"`
}

// lookupJob fetches the job named in the path and checks its type.
func (s *Server) lookupJob(ctx context.Context, r *http.Request) (*models.BatchJob, error) {
	jobType, name := r.PathValue("job_type"), r.PathValue("job_name")
	job, err := s.app.Jobs.GetStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	if job.Type != jobType {
		return nil, errs.NotFound("Job %s not found", name)
	}
	return job, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Jobs.List(r.Context(), r.PathValue("job_type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.BatchJob{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.Context(), r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	if _, err := s.lookupJob(r.Context(), r); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.app.Jobs.Abort(r.Context(), r.PathValue("job_name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if _, err := s.lookupJob(r.Context(), r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.app.Jobs.Delete(r.Context(), r.PathValue("job_name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatchJob streams job snapshots over a websocket until the job is terminal.
// A snapshot is only sent when progress or status changed.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.Context(), r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", job.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// reader goroutine notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(j *models.BatchJob) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(j); err != nil {
			s.logger.Debug("watch client gone", "job_id", j.ID, "error", err)
			return false
		}
		return true
	}

	if !send(job) {
		return
	}
	last := *job
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for !last.Status.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := s.app.Jobs.GetStatus(ctx, last.ID)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, errs.Message(err))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		if cur.Status == last.Status && cur.Progress == last.Progress && cur.Total == last.Total {
			continue
		}
		if !send(cur) {
			return
		}
		last = *cur
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
