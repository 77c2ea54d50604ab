package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyExists indicates a record with the same id or unique key already exists.
	// For batch jobs this means an active job with the same signature is present.
	ErrAlreadyExists = fmt.Errorf("%w: record already exists", errs.ErrConflict)

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// Callers should typically retry the operation.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrConcurrentUpdate indicates a compare-and-swap on a version field lost the race.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = fmt.Errorf("%w: record not found", errs.ErrNotFound)
)

// wrapQueryError inspects a SurrealDB error and wraps it with the appropriate
// sentinel error if it's a known query error type. Returns the original error
// if it's not a QueryError or doesn't match known patterns.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") || strings.Contains(msg, "read or write conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
