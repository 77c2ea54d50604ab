// Package jobs manages asynchronous batch jobs: idempotent creation, the
// active -> succeeded|failed|aborted state machine, dispatch and cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// TypeBatchAlign is the job type of batch alignment runs.
const TypeBatchAlign = "batch_align"

// progressInterval is the minimum time between progress writes for one job.
const progressInterval = 5 * time.Second

// Store persists batch jobs.
type Store interface {
	CreateJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error)
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	ListJobs(ctx context.Context, jobType string) ([]models.BatchJob, error)
	FindActiveJob(ctx context.Context, signature string) (*models.BatchJob, error)
	FinishJob(ctx context.Context, id string, status models.JobStatus, out models.JobOutput) (bool, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, progress, total int) error
	AppendJobErrors(ctx context.Context, id string, messages []string) error
	RenewJobClaim(ctx context.Context, id, worker string) (bool, error)
}

// Dispatcher hands a created job to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.BatchJob) error
	// Cancel stops a running job on a best-effort basis.
	Cancel(jobID string)
}

// QueueDispatcher leaves jobs in the store for an out-of-process worker to claim.
type QueueDispatcher struct{}

// Dispatch is a no-op; the worker polls the store.
func (QueueDispatcher) Dispatch(context.Context, models.BatchJob) error { return nil }

// Cancel is a no-op; the worker notices the aborted status between entities.
func (QueueDispatcher) Cancel(string) {}

// Orchestrator is the single entry point for job lifecycle changes.
type Orchestrator struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger

	sigMu    sync.Mutex
	sigLocks map[string]*sigLock

	progressMu   sync.Mutex
	lastProgress map[string]time.Time
}

type sigLock struct {
	sync.Mutex
	refs int
}

// NewOrchestrator creates an orchestrator. A nil dispatcher queues jobs.
func NewOrchestrator(store Store, dispatcher Dispatcher, logger *slog.Logger) *Orchestrator {
	if dispatcher == nil {
		dispatcher = QueueDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:        store,
		dispatcher:   dispatcher,
		logger:       logger,
		sigLocks:     make(map[string]*sigLock),
		lastProgress: make(map[string]time.Time),
	}
}

// SetDispatcher replaces the dispatcher. Used when the dispatcher itself needs
// the orchestrator (local mode).
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

func (o *Orchestrator) lockSignature(sig string) func() {
	o.sigMu.Lock()
	l, ok := o.sigLocks[sig]
	if !ok {
		l = &sigLock{}
		o.sigLocks[sig] = l
	}
	l.refs++
	o.sigMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		o.sigMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.sigLocks, sig)
		}
		o.sigMu.Unlock()
	}
}

const msgDuplicate = "Job already running for same request"

// Initiate creates an active job for payload and dispatches it. A second
// request with the same signature while the first is active is a conflict.
func (o *Orchestrator) Initiate(ctx context.Context, jobType string, payload any, createdBy string) (*models.BatchJob, error) {
	sig, err := Signature(jobType, payload)
	if err != nil {
		return nil, errs.Validation("invalid job payload: %v", err)
	}
	input, err := payloadMap(payload)
	if err != nil {
		return nil, errs.Validation("invalid job payload: %v", err)
	}

	unlock := o.lockSignature(sig)
	defer unlock()

	existing, err := o.store.FindActiveJob(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("check active jobs: %w", err)
	}
	if existing != nil {
		o.logger.Info("duplicate job rejected", "job_id", existing.ID, "type", jobType)
		return nil, errs.Conflict(msgDuplicate)
	}

	job, err := o.store.CreateJob(ctx, models.BatchJob{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    models.JobStatusActive,
		InputData: input,
		Signature: sig,
		CreatedBy: createdBy,
	})
	if errors.Is(err, errs.ErrConflict) {
		// another process won the unique index
		return nil, errs.Conflict(msgDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := o.dispatcher.Dispatch(ctx, *job); err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if _, ferr := o.store.FinishJob(ctx, job.ID, models.JobStatusFailed, models.JobOutput{Errors: []string{msg}}); ferr != nil {
			o.logger.Warn("failed to mark undispatched job failed", "job_id", job.ID, "error", ferr)
		}
		return nil, errs.Internal("dispatch job %s: %v", job.ID, err)
	}

	o.logger.Info("job created", "job_id", job.ID, "type", jobType, "created_by", createdBy)
	return job, nil
}

// GetStatus returns a job or ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, errs.NotFound("Job %s not found", id)
	}
	return job, nil
}

// List returns jobs of jobType, most recent first.
func (o *Orchestrator) List(ctx context.Context, jobType string) ([]models.BatchJob, error) {
	jobs, err := o.store.ListJobs(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Abort moves an active job to aborted and asks its runner to stop.
// Aborting a job that is already terminal is a no-op.
func (o *Orchestrator) Abort(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := o.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	ok, err := o.store.FinishJob(ctx, id, models.JobStatusAborted, models.JobOutput{})
	if err != nil {
		return nil, fmt.Errorf("abort job: %w", err)
	}
	if ok {
		o.dispatcher.Cancel(id)
		o.forgetProgress(id)
		o.logger.Info("job aborted", "job_id", id)
	}
	return o.GetStatus(ctx, id)
}

// Delete removes a terminal job. Active jobs must be aborted first.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusActive {
		return errs.Conflict("Job %s is still active; abort it before deleting", id)
	}
	deleted, err := o.store.DeleteJob(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if !deleted {
		return errs.NotFound("Job %s not found", id)
	}
	o.logger.Info("job deleted", "job_id", id)
	return nil
}

// Complete marks an active job succeeded together with its output.
// Returns false if the job was no longer active (e.g. aborted meanwhile).
func (o *Orchestrator) Complete(ctx context.Context, id string, outputPath *string, metadata map[string]any) (bool, error) {
	ok, err := o.store.FinishJob(ctx, id, models.JobStatusSucceeded, models.JobOutput{
		OutputGCSPath: outputPath,
		Metadata:      metadata,
	})
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	o.forgetProgress(id)
	if !ok {
		o.logger.Info("job finished after it left active state; keeping status", "job_id", id)
		return false, nil
	}
	o.logger.Info("job completed", "job_id", id)
	return true, nil
}

// Fail marks an active job failed with messages.
func (o *Orchestrator) Fail(ctx context.Context, id string, messages []string) (bool, error) {
	ok, err := o.store.FinishJob(ctx, id, models.JobStatusFailed, models.JobOutput{Errors: messages})
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	o.forgetProgress(id)
	if ok {
		o.logger.Error("job failed", "job_id", id, "errors", messages)
	}
	return ok, nil
}

// IsActive reports whether the job is still active in the store.
func (o *Orchestrator) IsActive(ctx context.Context, id string) (bool, error) {
	job, err := o.GetStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == models.JobStatusActive, nil
}

// AppendErrors records per-entity failures without stopping the job.
func (o *Orchestrator) AppendErrors(ctx context.Context, id string, messages []string) error {
	if err := o.store.AppendJobErrors(ctx, id, messages); err != nil {
		return fmt.Errorf("append job errors: %w", err)
	}
	return nil
}

// UpdateProgress persists progress at most every few seconds, except for
// every tenth item and the final one.
func (o *Orchestrator) UpdateProgress(ctx context.Context, id string, done, total int) {
	o.progressMu.Lock()
	last := o.lastProgress[id]
	persist := time.Since(last) > progressInterval || done%10 == 0 || done == total
	if persist {
		o.lastProgress[id] = time.Now()
	}
	o.progressMu.Unlock()

	if !persist {
		return
	}
	if err := o.store.UpdateJobProgress(ctx, id, done, total); err != nil {
		o.logger.Warn("failed to persist job progress", "job_id", id, "error", err)
	}
}

// RenewClaim extends worker's claim on a running job. False means the job
// is no longer active or another worker took it over.
func (o *Orchestrator) RenewClaim(ctx context.Context, id, worker string) (bool, error) {
	ok, err := o.store.RenewJobClaim(ctx, id, worker)
	if err != nil {
		return false, fmt.Errorf("renew job claim: %w", err)
	}
	return ok, nil
}

// RecoverInterrupted fails active jobs that were running in-process when
// owner last stopped, together with jobs whose claim was not renewed within
// lease. Call it once at startup, before anything is dispatched.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, owner string, lease time.Duration) (int, error) {
	all, err := o.store.ListJobs(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	recovered := 0
	for _, job := range all {
		if job.Status != models.JobStatusActive || job.ClaimedBy == nil {
			continue
		}
		var msg string
		switch {
		case *job.ClaimedBy == owner:
			msg = fmt.Sprintf("interrupted: %s restarted while the job was running", owner)
		case time.Since(job.LastModifiedTime) > lease:
			msg = fmt.Sprintf("interrupted: %s stopped renewing its claim", *job.ClaimedBy)
		default:
			continue
		}
		ok, err := o.Fail(ctx, job.ID, []string{msg})
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		o.logger.Info("failed interrupted jobs", "count", recovered, "owner", owner)
	} else {
		o.logger.Info("no interrupted jobs to recover")
	}
	return recovered, nil
}

func (o *Orchestrator) forgetProgress(id string) {
	o.progressMu.Lock()
	delete(o.lastProgress, id)
	o.progressMu.Unlock()
}
