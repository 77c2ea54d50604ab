package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/skillalign/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type batchJobRow struct {
	ID               surrealmodels.RecordID `json:"id"`
	Type             string                 `json:"type"`
	Status           models.JobStatus       `json:"status"`
	InputData        map[string]any         `json:"input_data"`
	Signature        string                 `json:"signature"`
	CreatedBy        string                 `json:"created_by"`
	CreatedTime      time.Time              `json:"created_time"`
	LastModifiedTime time.Time              `json:"last_modified_time"`
	OutputGCSPath    *string                `json:"output_gcs_path,omitempty"`
	Errors           []string               `json:"errors"`
	Metadata         map[string]any         `json:"metadata"`
	Progress         int                    `json:"progress"`
	Total            int                    `json:"total"`
	ClaimedBy        *string                `json:"claimed_by,omitempty"`
}

func (r batchJobRow) toModel() (models.BatchJob, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.BatchJob{}, err
	}
	return models.BatchJob{
		ID:               id,
		Type:             r.Type,
		Status:           r.Status,
		InputData:        r.InputData,
		Signature:        r.Signature,
		CreatedBy:        r.CreatedBy,
		CreatedTime:      r.CreatedTime,
		LastModifiedTime: r.LastModifiedTime,
		OutputGCSPath:    r.OutputGCSPath,
		Errors:           r.Errors,
		Metadata:         r.Metadata,
		Progress:         r.Progress,
		Total:            r.Total,
		ClaimedBy:        r.ClaimedBy,
	}, nil
}

func firstJob(rows []batchJobRow) (*models.BatchJob, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	job, err := rows[0].toModel()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob persists a new job. An active job with the same signature
// violates the batch_job_active index and fails with ErrAlreadyExists.
func (c *Client) CreateJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error) {
	input := job.InputData
	if input == nil {
		input = map[string]any{}
	}
	rows, err := query[batchJobRow](ctx, c, `
		CREATE type::record("batch_job", $id) CONTENT {
			type: $type,
			status: $status,
			input_data: $input_data,
			signature: $signature,
			created_by: $created_by,
			total: $total
		} RETURN AFTER
	`, map[string]any{
		"id":         job.ID,
		"type":       job.Type,
		"status":     job.Status,
		"input_data": input,
		"signature":  job.Signature,
		"created_by": job.CreatedBy,
		"total":      job.Total,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	created, err := firstJob(rows)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if created == nil {
		return nil, fmt.Errorf("create job: no result returned")
	}
	return created, nil
}

// GetJob retrieves a job by ID. Returns nil if not found.
func (c *Client) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	rows, err := query[batchJobRow](ctx, c, `SELECT * FROM type::record("batch_job", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job, err := firstJob(rows)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs of jobType (all types when empty), most recent first.
func (c *Client) ListJobs(ctx context.Context, jobType string) ([]models.BatchJob, error) {
	where := ""
	vars := map[string]any{}
	if jobType != "" {
		where = "WHERE type = $type"
		vars["type"] = jobType
	}
	rows, err := query[batchJobRow](ctx, c, fmt.Sprintf(`SELECT * FROM batch_job %s ORDER BY created_time DESC`, where), vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]models.BatchJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

// FindActiveJob returns the active job carrying signature, or nil.
func (c *Client) FindActiveJob(ctx context.Context, signature string) (*models.BatchJob, error) {
	rows, err := query[batchJobRow](ctx, c, `
		SELECT * FROM batch_job WHERE status = "active" AND signature = $signature LIMIT 1
	`, map[string]any{"signature": signature})
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	job, err := firstJob(rows)
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// FinishJob moves an active job to a terminal status and attaches its output
// in the same statement. Returns false when the job was no longer active.
func (c *Client) FinishJob(ctx context.Context, id string, status models.JobStatus, out models.JobOutput) (bool, error) {
	sets := []string{"status = $status", "last_modified_time = time::now()"}
	vars := map[string]any{"id": id, "status": status}
	if out.OutputGCSPath != nil {
		sets = append(sets, "output_gcs_path = $output")
		vars["output"] = *out.OutputGCSPath
	}
	if out.Metadata != nil {
		sets = append(sets, "metadata = $metadata")
		vars["metadata"] = out.Metadata
	}
	if len(out.Errors) > 0 {
		sets = append(sets, "errors += $errors")
		vars["errors"] = out.Errors
	}

	sql := fmt.Sprintf(`
		UPDATE type::record("batch_job", $id) SET %s
		WHERE status = "active"
		RETURN AFTER
	`, strings.Join(sets, ", "))

	rows, err := query[batchJobRow](ctx, c, sql, vars)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return len(rows) > 0, nil
}

// DeleteJob deletes a job that is not active. Returns false if nothing was deleted.
func (c *Client) DeleteJob(ctx context.Context, id string) (bool, error) {
	rows, err := query[batchJobRow](ctx, c, `
		DELETE type::record("batch_job", $id) WHERE status != "active" RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return len(rows) > 0, nil
}

// UpdateJobProgress records progress of an active job.
func (c *Client) UpdateJobProgress(ctx context.Context, id string, progress, total int) error {
	_, err := query[batchJobRow](ctx, c, `
		UPDATE type::record("batch_job", $id) SET
			progress = $progress,
			total = $total,
			last_modified_time = time::now()
		WHERE status = "active"
	`, map[string]any{"id": id, "progress": progress, "total": total})
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// AppendJobErrors appends per-entity error messages to a job.
func (c *Client) AppendJobErrors(ctx context.Context, id string, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	_, err := query[batchJobRow](ctx, c, `
		UPDATE type::record("batch_job", $id) SET
			errors += $errors,
			last_modified_time = time::now()
	`, map[string]any{"id": id, "errors": messages})
	if err != nil {
		return fmt.Errorf("append job errors: %w", err)
	}
	return nil
}

// claimableClause matches active jobs $worker may take: unclaimed, already
// its own, or with a claim not renewed within $lease_ms.
const claimableClause = `status = "active" AND (
			claimed_by = NONE
			OR claimed_by = $worker
			OR last_modified_time < time::now() - duration::from::millis($lease_ms)
		)`

// ClaimJob marks an active job as owned by worker. A claim held by another
// worker is only taken over once it is older than lease.
// Returns false if the job is gone, terminal, or held under a live claim.
func (c *Client) ClaimJob(ctx context.Context, id, worker string, lease time.Duration) (bool, error) {
	rows, err := query[batchJobRow](ctx, c, `
		UPDATE type::record("batch_job", $id) SET
			claimed_by = $worker,
			last_modified_time = time::now()
		WHERE `+claimableClause+`
		RETURN AFTER
	`, map[string]any{"id": id, "worker": worker, "lease_ms": lease.Milliseconds()})
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return len(rows) > 0, nil
}

// RenewJobClaim refreshes worker's claim on an active job. Returns false once
// the job left the active state or another worker took it over.
func (c *Client) RenewJobClaim(ctx context.Context, id, worker string) (bool, error) {
	rows, err := query[batchJobRow](ctx, c, `
		UPDATE type::record("batch_job", $id) SET
			last_modified_time = time::now()
		WHERE status = "active" AND claimed_by = $worker
		RETURN AFTER
	`, map[string]any{"id": id, "worker": worker})
	if err != nil {
		return false, fmt.Errorf("renew job claim: %w", err)
	}
	return len(rows) > 0, nil
}

// NextClaimableJob returns the oldest active job worker may claim, or nil.
func (c *Client) NextClaimableJob(ctx context.Context, worker string, lease time.Duration) (*models.BatchJob, error) {
	rows, err := query[batchJobRow](ctx, c, `
		SELECT * FROM batch_job
		WHERE `+claimableClause+`
		ORDER BY created_time
		LIMIT 1
	`, map[string]any{"worker": worker, "lease_ms": lease.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("next claimable job: %w", err)
	}
	job, err := firstJob(rows)
	if err != nil {
		return nil, fmt.Errorf("next claimable job: %w", err)
	}
	return job, nil
}
