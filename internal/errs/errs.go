// Package errs defines the error taxonomy shared by the alignment service.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors. Use errors.Is() to classify.
var (
	// ErrValidation indicates bad or missing input (unknown source, empty selector).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates an unknown entity, job, index or operation.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a duplicate active job or an invalid state transition.
	ErrConflict = errors.New("conflict")

	// ErrEmbedding indicates a permanent failure from the embedding or rerank model.
	ErrEmbedding = errors.New("embedding error")

	// ErrInternal indicates a failure of a remote service or the store.
	ErrInternal = errors.New("internal error")

	// ErrRetryable marks an error as transient. It is always combined with ErrInternal.
	ErrRetryable = errors.New("retryable")
)

// detailError carries a user-facing message while still matching its sentinel.
type detailError struct {
	kind  error
	msg   string
	cause error
}

func (e *detailError) Error() string { return e.msg }

func (e *detailError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

func newf(kind error, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &detailError{kind: kind, msg: err.Error(), cause: errors.Unwrap(err)}
}

// Validation returns an ErrValidation with the given message.
func Validation(format string, args ...any) error { return newf(ErrValidation, format, args...) }

// NotFound returns an ErrNotFound with the given message.
func NotFound(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

// Conflict returns an ErrConflict with the given message.
func Conflict(format string, args ...any) error { return newf(ErrConflict, format, args...) }

// Embedding returns an ErrEmbedding with the given message.
func Embedding(format string, args ...any) error { return newf(ErrEmbedding, format, args...) }

// Internal returns an ErrInternal with the given message.
func Internal(format string, args ...any) error { return newf(ErrInternal, format, args...) }

// Timeout wraps a deadline error as a retryable ErrInternal.
func Timeout(op string, cause error) error {
	return &detailError{
		kind:  errors.Join(ErrInternal, ErrRetryable),
		msg:   fmt.Sprintf("%s timed out: %v", op, cause),
		cause: cause,
	}
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var d *detailError
	if errors.As(err, &d) {
		return d.msg
	}
	return err.Error()
}

// HTTPStatus maps err onto the status code returned by the REST API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrValidation) || errors.Is(err, ErrEmbedding) {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.OK, codes.Unknown:
			// fall through to message inspection
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"throttl",
	"500 internal",
	"502",
	"503",
	"504",
	"service unavailable",
	"connection reset",
	"connection refused",
	"eof",
	"timeout",
}
