package models

import "time"

// JobStatus is the state of a batch job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusAborted   JobStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusAborted
}

// BatchJob is a persisted asynchronous alignment run.
type BatchJob struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           JobStatus      `json:"status"`
	InputData        map[string]any `json:"input_data"`
	Signature        string         `json:"signature"`
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedTime      time.Time      `json:"created_time"`
	LastModifiedTime time.Time      `json:"last_modified_time"`
	OutputGCSPath    *string        `json:"output_gcs_path,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Progress         int            `json:"progress"`
	Total            int            `json:"total"`
	ClaimedBy        *string        `json:"claimed_by,omitempty"`
}

// JobOutput is written together with a terminal status.
type JobOutput struct {
	OutputGCSPath *string
	Metadata      map[string]any
	Errors        []string
}
