package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/skillalign/internal/models"
)

// Claimer hands out active jobs. A claim not renewed within lease may be
// taken over by another worker.
type Claimer interface {
	NextClaimableJob(ctx context.Context, worker string, lease time.Duration) (*models.BatchJob, error)
	ClaimJob(ctx context.Context, id, worker string, lease time.Duration) (bool, error)
}

// Poller claims queued jobs from the store and runs them one at a time.
type Poller struct {
	claimer  Claimer
	runner   JobRunner
	workerID string
	interval time.Duration
	lease    time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller identified by workerID. Jobs whose claim is
// older than lease are taken over; lease <= 0 uses DefaultClaimLease.
func NewPoller(claimer Claimer, runner JobRunner, workerID string, interval, lease time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{claimer: claimer, runner: runner, workerID: workerID, interval: interval, lease: lease, logger: logger}
}

// Run polls until ctx is cancelled. Each tick drains every claimable job.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("worker polling for jobs", "worker_id", p.workerID, "interval", p.interval, "lease", p.lease)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		for {
			ran, err := p.Once(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("poll failed", "error", err)
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping", "worker_id", p.workerID)
			return nil
		case <-ticker.C:
		}
	}
}

// Once claims and runs at most one job. Reports whether a job ran.
func (p *Poller) Once(ctx context.Context) (bool, error) {
	for {
		job, err := p.claimer.NextClaimableJob(ctx, p.workerID, p.lease)
		if err != nil {
			return false, fmt.Errorf("find job: %w", err)
		}
		if job == nil {
			return false, nil
		}
		previous := job.ClaimedBy
		claimed, err := p.claimer.ClaimJob(ctx, job.ID, p.workerID, p.lease)
		if err != nil {
			return false, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if !claimed {
			// another worker got it first
			continue
		}

		if previous != nil {
			p.logger.Warn("job taken over", "job_id", job.ID, "worker_id", p.workerID, "previous_owner", *previous)
		} else {
			p.logger.Info("job claimed", "job_id", job.ID, "worker_id", p.workerID)
		}
		owner := p.workerID
		job.ClaimedBy = &owner
		if err := p.runner.Run(ctx, *job); err != nil {
			p.logger.Error("job run failed", "job_id", job.ID, "error", err)
		}
		return true, nil
	}
}
