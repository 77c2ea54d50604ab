package server

import (
	"net/http"

	"github.com/raphaelgruber/skillalign/internal/align"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/jobs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// AlignByIDsResponse maps entity id to its per-source alignments.
type AlignByIDsResponse struct {
	AlignedSkills map[string]align.SourceAlignments `json:"aligned_skills"`
}

// AlignByQueryResponse echoes the query text with its alignments.
type AlignByQueryResponse struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	AlignedSkills align.SourceAlignments `json:"aligned_skills"`
}

// BatchResponse names the created job.
type BatchResponse struct {
	JobName string           `json:"job_name"`
	Status  models.JobStatus `json:"status"`
}

func (s *Server) handleAlignByIDs(w http.ResponseWriter, r *http.Request) {
	var req models.AlignByIDsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.app.Engine.AlignByIDs(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AlignByIDsResponse{AlignedSkills: out})
}

func (s *Server) handleAlignByQuery(w http.ResponseWriter, r *http.Request) {
	var req models.AlignByQueryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.app.Engine.AlignByQuery(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AlignByQueryResponse{
		Name:          req.Name,
		Description:   req.Description,
		AlignedSkills: out,
	})
}

// handleBatch validates what it can synchronously, then hands the request to
// the orchestrator. The job runs after the response is written.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchAlignRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Defaults()
	if err := s.checkBatch(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.app.Jobs.Initiate(r.Context(), jobs.TypeBatchAlign, req, requestUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{JobName: job.ID, Status: job.Status})
}

func (s *Server) checkBatch(req models.BatchAlignRequest) error {
	if len(req.IDs) == 0 && req.SourceName == "" {
		return errs.Validation("Both %s IDs and Source name cannot be empty.", req.ObjectType.Label())
	}
	if req.Mode != models.ModeReplace && req.Mode != models.ModeMerge {
		return errs.Validation("unknown mode %q (allowed: replace, merge)", req.Mode)
	}
	if !req.Dimension.Valid() {
		return errs.Validation("unknown dimension %q", req.Dimension)
	}
	return s.app.Engine.CheckTargets(req.Dimension.TargetObjectType(), req.TargetSources, req.TopK)
}
