package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/skillalign/internal/models"
)

// JobRunner runs one job.
type JobRunner interface {
	Run(ctx context.Context, job models.BatchJob) error
}

// LocalDispatcher runs jobs on goroutines of the API process. Jobs are
// claimed under owner first, so a restarted process can tell which active
// jobs it left behind.
type LocalDispatcher struct {
	runner  JobRunner
	claimer Claimer
	owner   string
	lease   time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher that runs jobs with runner.
// A nil claimer runs jobs without claiming them.
func NewLocalDispatcher(runner JobRunner, claimer Claimer, owner string, lease time.Duration, logger *slog.Logger) *LocalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDispatcher{
		runner:  runner,
		claimer: claimer,
		owner:   owner,
		lease:   lease,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Dispatch claims job and starts it in the background. The job outlives the
// request context.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job models.BatchJob) error {
	if d.claimer != nil {
		ok, err := d.claimer.ClaimJob(ctx, job.ID, d.owner, d.lease)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if !ok {
			return fmt.Errorf("job %s is held by another worker", job.ID)
		}
		owner := d.owner
		job.ClaimedBy = &owner
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	d.cancels[job.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.cancels, job.ID)
			d.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("job runner panicked", "job_id", job.ID, "panic", r)
			}
		}()
		if err := d.runner.Run(runCtx, job); err != nil {
			d.logger.Error("job run failed", "job_id", job.ID, "error", err)
		}
	}()
	return nil
}

// Cancel stops the job's context if it is running here.
func (d *LocalDispatcher) Cancel(jobID string) {
	d.mu.Lock()
	cancel, ok := d.cancels[jobID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels every running job and waits for the runners to return.
func (d *LocalDispatcher) Shutdown() {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Wait blocks until all dispatched jobs have returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
