// Package worker executes batch alignment jobs, either in-process or by
// claiming them from the store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/skillalign/internal/align"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// ResultsScheme prefixes the output pointer of jobs whose results are kept in the job record.
const ResultsScheme = "results://"

// JobControl is the slice of the orchestrator a runner needs.
type JobControl interface {
	IsActive(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, outputPath *string, metadata map[string]any) (bool, error)
	Fail(ctx context.Context, id string, messages []string) (bool, error)
	AppendErrors(ctx context.Context, id string, messages []string) error
	UpdateProgress(ctx context.Context, id string, done, total int)
	RenewClaim(ctx context.Context, id, worker string) (bool, error)
}

// Reloader refreshes cached data source configuration from the store.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Aligner ranks entities against target sources.
type Aligner interface {
	CheckTargets(targetType models.ObjectType, targetSources []models.Source, topK int) error
	AlignAcrossSources(ctx context.Context, queries []align.Query, objectType models.ObjectType, sources []models.Source, topK int) (map[models.Source][]models.AlignmentResult, error)
}

// SuggestionWriter persists suggested alignments.
type SuggestionWriter interface {
	UpdateSuggested(ctx context.Context, results []models.AlignmentResult, dim models.Dimension, source models.Source, mode models.PersistMode) align.PersistReport
}

// EntityReader selects the entities a job works on.
type EntityReader interface {
	GetEntities(ctx context.Context, ids []string) ([]models.Entity, error)
	ListBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source, offset, limit int) ([]models.Entity, error)
	CountBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source) (int, error)
}

// Runner executes one batch alignment job to completion.
type Runner struct {
	control  JobControl
	aligner  Aligner
	writer   SuggestionWriter
	entities EntityReader
	pageSize int
	logger   *slog.Logger

	reloader Reloader
	lease    time.Duration
}

// DefaultClaimLease is how long a claim stays valid without a renewal.
const DefaultClaimLease = 2 * time.Minute

// NewRunner creates a runner. pageSize <= 0 uses align.DefaultPageSize.
func NewRunner(control JobControl, aligner Aligner, writer SuggestionWriter, entities EntityReader, pageSize int, logger *slog.Logger) *Runner {
	if pageSize <= 0 {
		pageSize = align.DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		control:  control,
		aligner:  aligner,
		writer:   writer,
		entities: entities,
		pageSize: pageSize,
		logger:   logger,
		lease:    DefaultClaimLease,
	}
}

// SetReloader makes every run refresh the data source registry before it
// resolves its targets, so a worker sees sources and indexes added since it started.
func (r *Runner) SetReloader(reloader Reloader) {
	r.reloader = reloader
}

// SetLease sets the claim lease; claimed jobs are renewed every third of it.
func (r *Runner) SetLease(lease time.Duration) {
	if lease > 0 {
		r.lease = lease
	}
}

var (
	// errAborted stops the entity loop once the job left the active state.
	errAborted = errors.New("job aborted")
	// errClaimLost cancels a run whose claim another worker took over.
	errClaimLost = errors.New("job claim lost")
)

// run holds the mutable state of one execution.
type run struct {
	job        models.BatchJob
	req        models.BatchAlignRequest
	targetType models.ObjectType
	total      int
	done       int
	succeeded  int
	failed     int
	results    map[string]align.SourceAlignments
}

// DecodeRequest reads a BatchAlignRequest from a job's input data.
func DecodeRequest(job models.BatchJob) (models.BatchAlignRequest, error) {
	var req models.BatchAlignRequest
	raw, err := json.Marshal(job.InputData)
	if err != nil {
		return req, fmt.Errorf("encode input: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode input: %w", err)
	}
	req.Defaults()
	return req, nil
}

// Run processes every selected entity, recording per-entity failures on the
// job. Problems that make the whole request unusable fail the job up front.
func (r *Runner) Run(ctx context.Context, job models.BatchJob) error {
	start := time.Now()
	log := r.logger.With("job_id", job.ID)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if job.ClaimedBy != nil {
		go r.keepClaim(ctx, cancel, job.ID, *job.ClaimedBy)
	}

	req, err := DecodeRequest(job)
	if err != nil {
		return r.fail(ctx, job.ID, err)
	}
	if len(req.IDs) == 0 && req.SourceName == "" {
		return r.fail(ctx, job.ID, errs.Validation("Both %s IDs and Source name cannot be empty.", req.ObjectType.Label()))
	}
	if req.Mode != models.ModeReplace && req.Mode != models.ModeMerge {
		return r.fail(ctx, job.ID, errs.Validation("unknown mode %q (allowed: replace, merge)", req.Mode))
	}
	if !req.Dimension.Valid() {
		return r.fail(ctx, job.ID, errs.Validation("unknown dimension %q", req.Dimension))
	}
	st := &run{job: job, req: req, targetType: req.Dimension.TargetObjectType()}
	if r.reloader != nil {
		if err := r.reloader.Reload(ctx); err != nil {
			log.Warn("failed to refresh data sources; using cached registry", "error", err)
		}
	}
	if err := r.aligner.CheckTargets(st.targetType, req.TargetSources, req.TopK); err != nil {
		return r.fail(ctx, job.ID, err)
	}
	if !req.UpdateAlignments {
		st.results = map[string]align.SourceAlignments{}
	}

	log.Info("job started", "ids", len(req.IDs), "source_name", req.SourceName, "targets", req.TargetSources, "update", req.UpdateAlignments)

	if len(req.IDs) > 0 {
		err = r.runIDs(ctx, st)
	} else {
		err = r.runSource(ctx, st)
	}
	if err != nil {
		switch {
		case errors.Is(err, errAborted):
			log.Info("job stopped after abort", "processed", st.done)
			return nil
		case errors.Is(context.Cause(ctx), errClaimLost):
			log.Warn("job no longer held by this worker; stopping", "processed", st.done)
			return nil
		case ctx.Err() != nil:
			// shutdown: the job must not stay active with nobody running it
			log.Warn("job interrupted", "processed", st.done, "total", st.total)
			return r.fail(ctx, job.ID, fmt.Errorf("interrupted after %d of %d entities", st.done, st.total))
		default:
			return r.fail(ctx, job.ID, err)
		}
	}

	metadata := map[string]any{
		"total":       st.total,
		"processed":   st.done,
		"succeeded":   st.succeeded,
		"failed":      st.failed,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	var outputPath *string
	if st.results != nil {
		metadata["results"] = st.results
		p := ResultsScheme + job.ID
		outputPath = &p
	}
	if _, err := r.control.Complete(context.WithoutCancel(ctx), job.ID, outputPath, metadata); err != nil {
		return err
	}
	log.Info("job finished", "succeeded", st.succeeded, "failed", st.failed, "duration", time.Since(start))
	return nil
}

func (r *Runner) fail(ctx context.Context, id string, cause error) error {
	if _, err := r.control.Fail(context.WithoutCancel(ctx), id, []string{errs.Message(cause)}); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// keepClaim renews worker's claim until ctx ends. A refused renewal means the
// job was aborted or taken over, and cancels the run.
func (r *Runner) keepClaim(ctx context.Context, cancel context.CancelCauseFunc, id, worker string) {
	ticker := time.NewTicker(max(r.lease/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := r.control.RenewClaim(ctx, id, worker)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("failed to renew job claim", "job_id", id, "error", err)
			}
			continue
		}
		if !ok {
			cancel(errClaimLost)
			return
		}
	}
}

func (r *Runner) runIDs(ctx context.Context, st *run) error {
	ids := dedup(st.req.IDs)
	st.total = len(ids)
	for start := 0; start < len(ids); start += r.pageSize {
		chunk := ids[start:min(start+r.pageSize, len(ids))]
		found, err := r.entities.GetEntities(ctx, chunk)
		if err != nil {
			return fmt.Errorf("load entities: %w", err)
		}
		byID := make(map[string]models.Entity, len(found))
		for _, e := range found {
			byID[e.ID] = e
		}
		page := make([]models.Entity, 0, len(chunk))
		var missing []string
		for _, id := range chunk {
			if e, ok := byID[id]; ok {
				page = append(page, e)
			} else {
				missing = append(missing, fmt.Sprintf("%s: not found", id))
			}
		}
		if len(missing) > 0 {
			st.done += len(missing)
			st.failed += len(missing)
			r.appendErrors(ctx, st.job.ID, missing)
		}
		if err := r.processPage(ctx, st, page); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runSource(ctx context.Context, st *run) error {
	total, err := r.entities.CountBySourceName(ctx, st.req.ObjectType, st.req.SourceName)
	if err != nil {
		return fmt.Errorf("count entities: %w", err)
	}
	st.total = total
	for offset := 0; ; offset += r.pageSize {
		page, err := r.entities.ListBySourceName(ctx, st.req.ObjectType, st.req.SourceName, offset, r.pageSize)
		if err != nil {
			return fmt.Errorf("list entities: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := r.processPage(ctx, st, page); err != nil {
			return err
		}
		if len(page) < r.pageSize {
			return nil
		}
	}
}

// processPage aligns a page in one batch, then persists entity by entity,
// checking for abort before each one.
func (r *Runner) processPage(ctx context.Context, st *run, page []models.Entity) error {
	if len(page) == 0 {
		return nil
	}
	if err := r.checkActive(ctx, st.job.ID); err != nil {
		return err
	}

	var pageErrors []string
	queries := make([]align.Query, 0, len(page))
	for _, e := range page {
		if _, err := align.PrepareTextForEmbedding(e.Name, e.Description); err != nil {
			pageErrors = append(pageErrors, fmt.Sprintf("%s: %s", e.ID, errs.Message(err)))
			continue
		}
		queries = append(queries, align.Query{ID: e.ID})
	}

	byEntity := map[string]map[models.Source]models.AlignmentResult{}
	if len(queries) > 0 {
		bySource, err := r.aligner.AlignAcrossSources(ctx, queries, st.targetType, st.req.TargetSources, st.req.TopK)
		if err != nil && ctx.Err() != nil {
			// stopped, not failed: the entities stay unprocessed
			return err
		}
		if err != nil {
			// the whole batch failed; every entity in it is recorded
			for _, q := range queries {
				pageErrors = append(pageErrors, fmt.Sprintf("%s: %s", q.ID, errs.Message(err)))
			}
			queries = nil
		}
		for src, results := range bySource {
			for _, res := range results {
				if byEntity[res.QueryID] == nil {
					byEntity[res.QueryID] = map[models.Source]models.AlignmentResult{}
				}
				byEntity[res.QueryID][src] = res
			}
		}
	}
	failedInPage := len(page) - len(queries)

	for _, q := range queries {
		if err := r.checkActive(ctx, st.job.ID); err != nil {
			r.appendErrors(ctx, st.job.ID, pageErrors)
			return err
		}
		if msg := r.persist(ctx, st, q.ID, byEntity[q.ID]); msg != "" {
			pageErrors = append(pageErrors, msg)
			failedInPage++
		} else {
			st.succeeded++
		}
		st.done++
		r.control.UpdateProgress(ctx, st.job.ID, st.done, st.total)
	}

	st.done += len(page) - len(queries)
	st.failed += failedInPage
	r.appendErrors(ctx, st.job.ID, pageErrors)
	r.control.UpdateProgress(ctx, st.job.ID, st.done, st.total)
	return nil
}

// persist writes or retains one entity's results. Returns an error message or "".
func (r *Runner) persist(ctx context.Context, st *run, id string, bySource map[models.Source]models.AlignmentResult) string {
	if st.results != nil {
		out := align.SourceAlignments{}
		for src, res := range bySource {
			out[src] = res.Candidates
		}
		st.results[id] = out
		return ""
	}
	for _, src := range st.req.TargetSources {
		res, ok := bySource[src]
		if !ok {
			continue
		}
		report := r.writer.UpdateSuggested(ctx, []models.AlignmentResult{res}, st.req.Dimension, src, st.req.Mode)
		if msg, failed := report.Failed[id]; failed {
			return fmt.Sprintf("%s: %s: %s", id, src, msg)
		}
	}
	return ""
}

func (r *Runner) checkActive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	active, err := r.control.IsActive(ctx, id)
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	if !active {
		return errAborted
	}
	return nil
}

func (r *Runner) appendErrors(ctx context.Context, id string, messages []string) {
	if len(messages) == 0 {
		return
	}
	if err := r.control.AppendErrors(ctx, id, messages); err != nil {
		r.logger.Warn("failed to record job errors", "job_id", id, "error", err)
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
