package dest

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ConflictError reports a schema or data conflict on the destination:
// pre-existing conflicting rows, missing columns, constraint violations.
// Fatal for sync (operator must fix the destination) and halting for apply.
type ConflictError struct {
	Table  string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema or data conflict on table %s", e.Table)
}

// ConnectionError reports a failure to reach the destination. Transient,
// retried with backoff by the workers.
type ConnectionError struct {
	Detail string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %s", e.Detail)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a destination conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// classifyExecError maps a driver error to the taxonomy: constraint
// violations become ConflictError, everything else is wrapped as-is and
// treated as transient by callers.
func classifyExecError(table string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return &ConflictError{Table: table, Detail: sqliteErr.Error()}
	}
	return fmt.Errorf("exec on table %s: %w", table, err)
}
