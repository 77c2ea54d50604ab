// Package memstore is an in-memory document store with the same contract as
// the SurrealDB client. It backs tests and the "memory" store mode.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/skillalign/internal/db"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// Store holds entities, data sources and batch jobs behind one mutex.
// Every value crossing the boundary is deep-copied.
type Store struct {
	mu          sync.RWMutex
	entities    map[string]models.Entity
	dataSources map[models.ObjectType]models.DataSource
	jobs        map[string]models.BatchJob
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entities:    make(map[string]models.Entity),
		dataSources: make(map[models.ObjectType]models.DataSource),
		jobs:        make(map[string]models.BatchJob),
		now:         time.Now,
	}
}

// =============================================================================
// ENTITIES
// =============================================================================

// GetEntity returns the entity or nil if absent.
func (s *Store) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

// GetEntities returns the entities that exist among ids.
func (s *Store) GetEntities(_ context.Context, ids []string) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Entity, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) bySource(objectType models.ObjectType, source models.Source) []models.Entity {
	var out []models.Entity
	for _, e := range s.entities {
		if e.ObjectType == objectType && e.SourceName == source {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b models.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ListBySourceName pages through entities ordered by id.
func (s *Store) ListBySourceName(_ context.Context, objectType models.ObjectType, source models.Source, offset, limit int) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bySource(objectType, source)
	if offset >= len(all) {
		return []models.Entity{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.Entity, 0, end-offset)
	for _, e := range all[offset:end] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// CountBySourceName counts entities of objectType tagged with source.
func (s *Store) CountBySourceName(_ context.Context, objectType models.ObjectType, source models.Source) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySource(objectType, source)), nil
}

// UpsertEntity creates or updates e. Nil alignments keep the stored ones.
func (s *Store) UpsertEntity(_ context.Context, e models.Entity) (*models.Entity, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("upsert entity: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stored := e.Clone()
	if prev, ok := s.entities[e.ID]; ok {
		stored.CreatedTime = prev.CreatedTime
		if stored.Alignments == nil {
			stored.Alignments = prev.Clone().Alignments
		}
	} else {
		stored.CreatedTime = now
	}
	stored.LastModifiedTime = now
	s.entities[e.ID] = stored
	out := stored.Clone()
	return &out, nil
}

// UpdateAlignments replaces the alignment map of an existing entity.
func (s *Store) UpdateAlignments(_ context.Context, id string, alignments models.AlignmentMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("update alignments %s: %w", id, db.ErrNotFound)
	}
	e.Alignments = models.Entity{Alignments: alignments}.Clone().Alignments
	e.LastModifiedTime = s.now()
	s.entities[id] = e
	return nil
}

// DeleteEntity removes an entity. Returns false if it did not exist.
func (s *Store) DeleteEntity(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[id]
	delete(s.entities, id)
	return ok, nil
}

// =============================================================================
// DATA SOURCES
// =============================================================================

// ListDataSources returns every registry record ordered by object type.
func (s *Store) ListDataSources(_ context.Context) ([]models.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DataSource, 0, len(s.dataSources))
	for _, ds := range s.dataSources {
		out = append(out, ds.Clone())
	}
	slices.SortFunc(out, func(a, b models.DataSource) int { return cmp.Compare(a.ObjectType, b.ObjectType) })
	return out, nil
}

// GetDataSource returns the record for objectType or nil.
func (s *Store) GetDataSource(_ context.Context, objectType models.ObjectType) (*models.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.dataSources[objectType]
	if !ok {
		return nil, nil
	}
	out := ds.Clone()
	return &out, nil
}

// SaveDataSource writes ds if the stored version equals expectedVersion (0 = absent).
func (s *Store) SaveDataSource(_ context.Context, ds models.DataSource, expectedVersion int64) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.dataSources[ds.ObjectType]
	var current int64
	if ok {
		current = prev.Version
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("save data source %s at version %d: %w", ds.ObjectType, expectedVersion, db.ErrConcurrentUpdate)
	}
	stored := ds.Clone()
	if stored.Sources == nil {
		stored.Sources = []models.Source{}
	}
	stored.Version = current + 1
	s.dataSources[ds.ObjectType] = stored
	out := stored.Clone()
	return &out, nil
}

// DeleteDataSource removes the record for objectType.
func (s *Store) DeleteDataSource(_ context.Context, objectType models.ObjectType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dataSources[objectType]
	delete(s.dataSources, objectType)
	return ok, nil
}

// =============================================================================
// BATCH JOBS
// =============================================================================

func cloneJob(j models.BatchJob) models.BatchJob {
	out := j
	out.InputData = cloneMap(j.InputData)
	out.Metadata = cloneMap(j.Metadata)
	out.Errors = slices.Clone(j.Errors)
	if j.OutputGCSPath != nil {
		p := *j.OutputGCSPath
		out.OutputGCSPath = &p
	}
	if j.ClaimedBy != nil {
		c := *j.ClaimedBy
		out.ClaimedBy = &c
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CreateJob stores a new job. A second active job with the same signature is rejected.
func (s *Store) CreateJob(_ context.Context, job models.BatchJob) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil, fmt.Errorf("create job %s: %w", job.ID, db.ErrAlreadyExists)
	}
	if job.Status == models.JobStatusActive {
		for _, j := range s.jobs {
			if j.Status == models.JobStatusActive && j.Signature == job.Signature {
				return nil, fmt.Errorf("create job: active signature %s: %w", job.Signature, db.ErrAlreadyExists)
			}
		}
	}
	now := s.now()
	stored := cloneJob(job)
	stored.CreatedTime = now
	stored.LastModifiedTime = now
	if stored.Errors == nil {
		stored.Errors = []string{}
	}
	s.jobs[job.ID] = stored
	out := cloneJob(stored)
	return &out, nil
}

// GetJob returns the job or nil.
func (s *Store) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := cloneJob(j)
	return &out, nil
}

// ListJobs returns jobs of jobType (all when empty), most recent first.
func (s *Store) ListJobs(_ context.Context, jobType string) ([]models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BatchJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if jobType == "" || j.Type == jobType {
			out = append(out, cloneJob(j))
		}
	}
	slices.SortFunc(out, func(a, b models.BatchJob) int {
		if c := b.CreatedTime.Compare(a.CreatedTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// FindActiveJob returns the active job with signature, or nil.
func (s *Store) FindActiveJob(_ context.Context, signature string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Status == models.JobStatusActive && j.Signature == signature {
			out := cloneJob(j)
			return &out, nil
		}
	}
	return nil, nil
}

// FinishJob moves an active job to status with its output. False if not active.
func (s *Store) FinishJob(_ context.Context, id string, status models.JobStatus, out models.JobOutput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusActive {
		return false, nil
	}
	j.Status = status
	j.LastModifiedTime = s.now()
	if out.OutputGCSPath != nil {
		p := *out.OutputGCSPath
		j.OutputGCSPath = &p
	}
	if out.Metadata != nil {
		j.Metadata = cloneMap(out.Metadata)
	}
	j.Errors = append(j.Errors, out.Errors...)
	s.jobs[id] = j
	return true, nil
}

// DeleteJob removes a non-active job. False if absent or still active.
func (s *Store) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status == models.JobStatusActive {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

// UpdateJobProgress records progress on an active job.
func (s *Store) UpdateJobProgress(_ context.Context, id string, progress, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusActive {
		return nil
	}
	j.Progress = progress
	j.Total = total
	j.LastModifiedTime = s.now()
	s.jobs[id] = j
	return nil
}

// AppendJobErrors appends messages to a job's errors.
func (s *Store) AppendJobErrors(_ context.Context, id string, messages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Errors = append(j.Errors, messages...)
	j.LastModifiedTime = s.now()
	s.jobs[id] = j
	return nil
}

// claimable reports whether worker may take j: it is active and either
// unclaimed, already held by worker, or its claim went stale.
func (s *Store) claimable(j models.BatchJob, worker string, lease time.Duration) bool {
	if j.Status != models.JobStatusActive {
		return false
	}
	if j.ClaimedBy == nil || *j.ClaimedBy == worker {
		return true
	}
	return s.now().Sub(j.LastModifiedTime) > lease
}

// ClaimJob marks an active job as owned by worker. A claim held by another
// worker is only taken over once it is older than lease.
func (s *Store) ClaimJob(_ context.Context, id, worker string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !s.claimable(j, worker, lease) {
		return false, nil
	}
	w := worker
	j.ClaimedBy = &w
	j.LastModifiedTime = s.now()
	s.jobs[id] = j
	return true, nil
}

// RenewJobClaim refreshes worker's claim on an active job. False once the
// job left the active state or another worker took it over.
func (s *Store) RenewJobClaim(_ context.Context, id, worker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusActive || j.ClaimedBy == nil || *j.ClaimedBy != worker {
		return false, nil
	}
	j.LastModifiedTime = s.now()
	s.jobs[id] = j
	return true, nil
}

// NextClaimableJob returns the oldest active job worker may claim, or nil.
func (s *Store) NextClaimableJob(_ context.Context, worker string, lease time.Duration) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.BatchJob
	for _, j := range s.jobs {
		if !s.claimable(j, worker, lease) {
			continue
		}
		if best == nil || j.CreatedTime.Before(best.CreatedTime) ||
			(j.CreatedTime.Equal(best.CreatedTime) && j.ID < best.ID) {
			cp := cloneJob(j)
			best = &cp
		}
	}
	return best, nil
}
