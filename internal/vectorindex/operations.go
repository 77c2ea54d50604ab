package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/skillalign/internal/errs"
)

// Operation is a long-running index operation handle.
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

// operationRegistry tracks operations started by this process.
type operationRegistry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
	wg  sync.WaitGroup
}

func newOperationRegistry() *operationRegistry {
	return &operationRegistry{ops: make(map[string]*Operation)}
}

// start registers an operation and runs fn in the background with its own deadline.
func (r *operationRegistry) start(kind, target string, timeout time.Duration, fn func(ctx context.Context) (*IndexHandle, error)) *Operation {
	op := &Operation{
		Name:      "operations/" + uuid.New().String(),
		Kind:      kind,
		Target:    target,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.ops[op.Name] = op
	snapshot := *op
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var (
			result *IndexHandle
			err    error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("internal panic: %v", p)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err = fn(ctx)
		}()

		now := time.Now()
		r.mu.Lock()
		op.Done = true
		op.FinishedAt = &now
		op.Result = result
		if err != nil {
			op.Error = err.Error()
		}
		r.mu.Unlock()

		if err != nil {
			slog.Error("index operation failed", "operation", op.Name, "kind", kind, "target", target, "error", err)
			return
		}
		slog.Info("index operation complete", "operation", op.Name, "kind", kind, "target", target,
			"duration_ms", now.Sub(op.StartedAt).Milliseconds())
	}()

	return &snapshot
}

// get returns a copy of the named operation.
func (r *operationRegistry) get(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[name]
	if !ok {
		return nil, errs.NotFound("operation %q not found", name)
	}
	cp := *op
	return &cp, nil
}

// wait blocks until every started operation finished.
func (r *operationRegistry) wait() {
	r.wg.Wait()
}
