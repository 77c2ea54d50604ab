package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/raphaelgruber/skillalign/internal/align"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
)

// DataSourceUpdate is the body of PUT /data-sources/{object_type}.
// Sources replace the registered set; index ids are merged in.
type DataSourceUpdate struct {
	Sources               []models.Source          `json:"sources"`
	MatchingEngineIndexID map[models.Source]string `json:"matching_engine_index_id,omitempty"`
}

// DataSourceList is the body of GET /data-sources.
type DataSourceList struct {
	DataSources []models.DataSource `json:"data_sources"`
}

// EntityBatch is the body of POST /entities.
type EntityBatch struct {
	Entities []models.Entity `json:"entities"`
}

// AlignedUpdate is the body of PUT /entities/{id}/alignments/{dimension}/{source}.
type AlignedUpdate struct {
	Aligned []models.AlignmentEntry `json:"aligned"`
}

func (s *Server) handleListDataSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, DataSourceList{DataSources: s.app.Registry.List()})
}

func (s *Server) handleReloadDataSources(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Registry.Reload(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DataSourceList{DataSources: s.app.Registry.List()})
}

func (s *Server) handleGetDataSource(w http.ResponseWriter, r *http.Request) {
	ot := models.ObjectType(r.PathValue("object_type"))
	ds, ok := s.app.Registry.Get(ot)
	if !ok {
		s.writeError(w, r, errs.NotFound("No data sources registered for %s", ot.Label()))
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handlePutDataSource(w http.ResponseWriter, r *http.Request) {
	var body DataSourceUpdate
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Sources) == 0 {
		s.writeError(w, r, errs.Validation("at least one source is required"))
		return
	}
	for _, src := range body.Sources {
		if strings.TrimSpace(string(src)) == "" {
			s.writeError(w, r, errs.Validation("source name must not be empty"))
			return
		}
	}

	ot := models.ObjectType(r.PathValue("object_type"))
	ds, err := s.app.Registry.UpdateFields(r.Context(), ot, func(ds *models.DataSource) error {
		ds.Sources = append([]models.Source(nil), body.Sources...)
		if ds.MatchingEngineIndexID == nil {
			ds.MatchingEngineIndexID = map[models.Source]string{}
		}
		for src, id := range body.MatchingEngineIndexID {
			ds.MatchingEngineIndexID[src] = id
		}
		// drop index ids of sources no longer registered
		for src := range ds.MatchingEngineIndexID {
			if !ds.HasSource(src) {
				delete(ds.MatchingEngineIndexID, src)
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	ot := models.ObjectType(r.PathValue("object_type"))
	src := models.Source(r.PathValue("source"))
	if err := s.app.Registry.Delete(r.Context(), ot, src); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnsureIndex starts an idempotent create-or-update of the index for
// (object_type, source). The registry records the index id once it is ready.
func (s *Server) handleEnsureIndex(w http.ResponseWriter, r *http.Request) {
	var params vectorindex.IndexParams
	if err := decode(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Dimensions == 0 {
		params.Dimensions = s.app.Config.EmbedDimension
	}
	if params.Distance == "" {
		params.Distance = vectorindex.DistanceCosine
	}
	op, err := s.app.Index.EnsureIndex(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	indexID, err := s.indexFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.app.Index.GetIndex(r.Context(), indexID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handlePopulateIndex embeds every entity of (object_type, source) into its
// index as a background operation.
func (s *Server) handlePopulateIndex(w http.ResponseWriter, r *http.Request) {
	ot := models.ObjectType(r.PathValue("object_type"))
	src := models.Source(r.PathValue("source"))
	indexID, err := s.indexFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	op := s.app.Index.StartOperation("populate", indexID, func(ctx context.Context) (*vectorindex.IndexHandle, error) {
		n, err := s.app.Indexer.Populate(ctx, ot, src, indexID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("index populated", "index", indexID, "points", n)
		return s.app.Index.GetIndex(ctx, indexID)
	})
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	ot := models.ObjectType(r.PathValue("object_type"))
	src := models.Source(r.PathValue("source"))
	indexID, err := s.indexFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.app.Index.DeleteIndex(r.Context(), indexID); err != nil {
		s.writeError(w, r, err)
		return
	}
	// the source stays registered; searches fail until an index is ensured again
	_, err = s.app.Registry.UpdateFields(r.Context(), ot, func(ds *models.DataSource) error {
		delete(ds.MatchingEngineIndexID, src)
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.app.Index.GetOperationStatus("operations/" + r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// indexFor resolves the index id registered for the path's (object_type, source).
func (s *Server) indexFor(r *http.Request) (string, error) {
	ot := models.ObjectType(r.PathValue("object_type"))
	return s.app.Registry.IndexID(ot, models.Source(r.PathValue("source")))
}

func (s *Server) handleUpsertEntities(w http.ResponseWriter, r *http.Request) {
	var body EntityBatch
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Entities) == 0 {
		s.writeError(w, r, errs.Validation("at least one entity is required"))
		return
	}
	saved := make([]models.Entity, 0, len(body.Entities))
	for _, e := range body.Entities {
		if e.ID == "" {
			s.writeError(w, r, errs.Validation("entity id is required"))
			return
		}
		if e.ObjectType == "" {
			e.ObjectType = models.ObjectTypeSkill
		}
		e.Alignments = align.NormalizeAlignments(e.Alignments)
		out, err := s.app.Store.UpsertEntity(r.Context(), e)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		saved = append(saved, *out)
	}
	writeJSON(w, http.StatusOK, EntityBatch{Entities: saved})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.app.Store.GetEntity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e == nil {
		s.writeError(w, r, errs.NotFound("Entity %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.app.Store.GetEntity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e == nil {
		s.writeError(w, r, errs.NotFound("Entity %s not found", id))
		return
	}
	if _, err := s.app.Store.DeleteEntity(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The vector goes too, otherwise searches keep returning a dangling id.
	if indexID, err := s.app.Registry.IndexID(e.ObjectType, e.SourceName); err == nil {
		if err := s.app.Index.RemoveDatapoints(r.Context(), indexID, []string{id}); err != nil {
			s.logger.Warn("failed to remove datapoint", "entity_id", id, "index", indexID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAligned(w http.ResponseWriter, r *http.Request) {
	dim := models.Dimension(r.PathValue("dimension"))
	if !dim.Valid() {
		s.writeError(w, r, errs.Validation("unknown dimension %q", dim))
		return
	}
	src := models.Source(r.PathValue("source"))
	if err := s.app.Registry.Validate(dim.TargetObjectType(), []models.Source{src}); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body AlignedUpdate
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.app.Persister.SetAligned(r.Context(), r.PathValue("id"), dim, src, body.Aligned)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
