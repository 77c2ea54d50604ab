// Package client provides an HTTP client for the skillalign server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// Client talks to the skillalign REST API.
type Client struct {
	endpoint   string
	user       string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses SKILLALIGN_SERVER_URL env var or defaults to localhost:8585.
// Timeout can be configured via SKILLALIGN_CLIENT_TIMEOUT env var (default 5m for large id lists).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("SKILLALIGN_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8585"
	}

	timeout := 5 * time.Minute
	if t := os.Getenv("SKILLALIGN_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}

	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		user:     user,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// do sends body as JSON and decodes a successful response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User", c.user)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TYPES
// =============================================================================

// SourceAlignments is source -> ranked candidates.
type SourceAlignments map[models.Source][]models.AlignmentEntry

// QueryAlignment is the response of AlignQuery.
type QueryAlignment struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	AlignedSkills SourceAlignments `json:"aligned_skills"`
}

// BatchJobRef names a created job.
type BatchJobRef struct {
	JobName string           `json:"job_name"`
	Status  models.JobStatus `json:"status"`
}

// IndexParams mirrors the ensure-index request.
type IndexParams struct {
	ObjectType                models.ObjectType `json:"object_type"`
	Source                    models.Source     `json:"source"`
	Dimensions                int               `json:"dimensions,omitempty"`
	ApproximateNeighborsCount int               `json:"approximate_neighbors_count,omitempty"`
	Distance                  string            `json:"distance,omitempty"`
}

// IndexHandle describes an index.
type IndexHandle struct {
	ID         string `json:"id"`
	Dimensions int    `json:"dimensions"`
	Distance   string `json:"distance"`
	Points     uint64 `json:"points"`
}

// Operation is a long-running index operation.
type Operation struct {
	Name       string       `json:"name"`
	Kind       string       `json:"kind"`
	Target     string       `json:"target"`
	Done       bool         `json:"done"`
	Error      string       `json:"error,omitempty"`
	Result     *IndexHandle `json:"result,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// OperationStats holds metrics for a single operation type.
type OperationStats struct {
	Count       int64    `json:"count"`
	Errors      int64    `json:"errors"`
	TotalTimeMs int64    `json:"total_time_ms"`
	AvgTimeMs   float64  `json:"avg_time_ms"`
	MinTimeMs   int64    `json:"min_time_ms"`
	MaxTimeMs   int64    `json:"max_time_ms"`
	TotalItems  *int64   `json:"total_items,omitempty"`
	AvgItems    *float64 `json:"avg_items,omitempty"`
	MaxItems    *int64   `json:"max_items,omitempty"`
}

// =============================================================================
// ALIGNMENT
// =============================================================================

// AlignIDs aligns stored entities by id or source name.
func (c *Client) AlignIDs(ctx context.Context, req models.AlignByIDsRequest) (map[string]SourceAlignments, error) {
	var resp struct {
		AlignedSkills map[string]SourceAlignments `json:"aligned_skills"`
	}
	if err := c.do(ctx, http.MethodPost, "/skill-alignment/id", req, &resp); err != nil {
		return nil, err
	}
	return resp.AlignedSkills, nil
}

// AlignQuery aligns free text.
func (c *Client) AlignQuery(ctx context.Context, req models.AlignByQueryRequest) (*QueryAlignment, error) {
	var resp QueryAlignment
	if err := c.do(ctx, http.MethodPost, "/skill-alignment/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartBatch creates an asynchronous alignment job.
func (c *Client) StartBatch(ctx context.Context, req models.BatchAlignRequest) (*BatchJobRef, error) {
	var resp BatchJobRef
	if err := c.do(ctx, http.MethodPost, "/skill-alignment/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// JOBS
// =============================================================================

func jobPath(jobType, name string) string {
	return "/jobs/" + url.PathEscape(jobType) + "/" + url.PathEscape(name)
}

// ListJobs returns jobs of jobType, most recent first.
func (c *Client) ListJobs(ctx context.Context, jobType string) ([]models.BatchJob, error) {
	var resp struct {
		Jobs []models.BatchJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobType), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, jobType, name string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := c.do(ctx, http.MethodGet, jobPath(jobType, name), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AbortJob aborts an active job. Aborting a finished job is a no-op.
func (c *Client) AbortJob(ctx context.Context, jobType, name string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := c.do(ctx, http.MethodPost, jobPath(jobType, name)+"/abort", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a finished job.
func (c *Client) DeleteJob(ctx context.Context, jobType, name string) error {
	return c.do(ctx, http.MethodDelete, jobPath(jobType, name), nil, nil)
}

// WatchJob streams job snapshots until the job is terminal.
// The onUpdate callback is invoked for each snapshot. Return an error from onUpdate to stop.
func (c *Client) WatchJob(ctx context.Context, jobType, name string, onUpdate func(models.BatchJob) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + jobPath(jobType, name) + "/watch")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Detail: "watch " + name}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var job models.BatchJob
		if err := conn.ReadJSON(&job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read job update: %w", err)
		}
		if err := onUpdate(job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
	}
}

// =============================================================================
// DATA SOURCES
// =============================================================================

// ListDataSources returns every registry record.
func (c *Client) ListDataSources(ctx context.Context) ([]models.DataSource, error) {
	var resp struct {
		DataSources []models.DataSource `json:"data_sources"`
	}
	if err := c.do(ctx, http.MethodGet, "/data-sources", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DataSources, nil
}

// SetSources replaces the registered sources of objectType.
func (c *Client) SetSources(ctx context.Context, objectType models.ObjectType, sources []models.Source) (*models.DataSource, error) {
	var ds models.DataSource
	body := map[string]any{"sources": sources}
	if err := c.do(ctx, http.MethodPut, "/data-sources/"+url.PathEscape(string(objectType)), body, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// RemoveSource unregisters one source.
func (c *Client) RemoveSource(ctx context.Context, objectType models.ObjectType, source models.Source) error {
	return c.do(ctx, http.MethodDelete, "/data-sources/"+url.PathEscape(string(objectType))+"/"+url.PathEscape(string(source)), nil, nil)
}

// ReloadDataSources makes the server re-read the registry from its store.
func (c *Client) ReloadDataSources(ctx context.Context) ([]models.DataSource, error) {
	var resp struct {
		DataSources []models.DataSource `json:"data_sources"`
	}
	if err := c.do(ctx, http.MethodPost, "/data-sources/reload", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DataSources, nil
}

// =============================================================================
// INDEXES
// =============================================================================

func indexPath(objectType models.ObjectType, source models.Source) string {
	return "/indexes/" + url.PathEscape(string(objectType)) + "/" + url.PathEscape(string(source))
}

// EnsureIndex starts creating or updating an index.
func (c *Client) EnsureIndex(ctx context.Context, params IndexParams) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodPost, "/indexes", params, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// PopulateIndex starts embedding a source's entities into its index.
func (c *Client) PopulateIndex(ctx context.Context, objectType models.ObjectType, source models.Source) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodPost, indexPath(objectType, source)+"/populate", nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// GetIndex describes an index.
func (c *Client) GetIndex(ctx context.Context, objectType models.ObjectType, source models.Source) (*IndexHandle, error) {
	var h IndexHandle
	if err := c.do(ctx, http.MethodGet, indexPath(objectType, source), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteIndex removes an index.
func (c *Client) DeleteIndex(ctx context.Context, objectType models.ObjectType, source models.Source) error {
	return c.do(ctx, http.MethodDelete, indexPath(objectType, source), nil, nil)
}

// GetOperation returns an operation by its full name ("operations/<id>").
func (c *Client) GetOperation(ctx context.Context, name string) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodGet, "/"+strings.TrimPrefix(name, "/"), nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// WaitOperation polls an operation until it is done.
func (c *Client) WaitOperation(ctx context.Context, name string, interval time.Duration) (*Operation, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, name)
		if err != nil {
			return nil, err
		}
		if op.Done {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// ENTITIES
// =============================================================================

// UpsertEntities creates or updates entities.
func (c *Client) UpsertEntities(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	var resp struct {
		Entities []models.Entity `json:"entities"`
	}
	if err := c.do(ctx, http.MethodPost, "/entities", map[string]any{"entities": entities}, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// GetEntity returns one entity.
func (c *Client) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	var e models.Entity
	if err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEntity removes one entity.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/entities/"+url.PathEscape(id), nil, nil)
}

// SetAligned replaces the curated alignments of an entity for one (dimension, source).
func (c *Client) SetAligned(ctx context.Context, id string, dim models.Dimension, source models.Source, aligned []models.AlignmentEntry) (*models.Entity, error) {
	var e models.Entity
	path := "/entities/" + url.PathEscape(id) + "/alignments/" + url.PathEscape(string(dim)) + "/" + url.PathEscape(string(source))
	if err := c.do(ctx, http.MethodPut, path, map[string]any{"aligned": aligned}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// STATS
// =============================================================================

// ServerStats is the metrics snapshot served at /stats.
type ServerStats struct {
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Operations    map[string]*OperationStats `json:"operations"`
}

// GetServerStats returns runtime statistics.
func (c *Client) GetServerStats(ctx context.Context) (*ServerStats, error) {
	var s ServerStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
