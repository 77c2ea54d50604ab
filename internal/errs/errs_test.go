package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("bad %s", "input"), http.StatusUnprocessableEntity},
		{"not found", NotFound("job %q", "x"), http.StatusNotFound},
		{"conflict", Conflict("Job already running for same request"), http.StatusConflict},
		{"embedding", Embedding("empty text"), http.StatusInternalServerError},
		{"internal", Internal("no index"), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("align: %w", Validation("x")), http.StatusUnprocessableEntity},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestMessageKeepsDetail(t *testing.T) {
	err := Validation("Both Skill IDs and Source name cannot be empty.")
	assert.Equal(t, "Both Skill IDs and Source name cannot be empty.", Message(err))
	assert.Equal(t, "Both Skill IDs and Source name cannot be empty.", Message(fmt.Errorf("wrap: %w", err)))
	assert.Equal(t, "plain", Message(errors.New("plain")))
}

func TestConstructorsPreserveCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Internal("search index: %w", cause)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
}

func TestTimeoutIsRetryableInternal(t *testing.T) {
	err := Timeout("rerank", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrInternal)
	assert.True(t, Retryable(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"validation", Validation("x"), false},
		{"embedding", Embedding("empty text"), false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad vector"), false},
		{"grpc not found", status.Error(codes.NotFound, "no collection"), false},
		{"http 429", errors.New("API returned unexpected status code: 429"), true},
		{"http 503", errors.New("503 Service Unavailable"), true},
		{"plain permanent", errors.New("invalid model name"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
