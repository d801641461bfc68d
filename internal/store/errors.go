package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common store conditions
var (
	// ErrNotFound indicates the requested row is not in the table
	ErrNotFound = errors.New("task not found")

	// ErrExists indicates an insert collided with an existing task id
	ErrExists = errors.New("task already tracked")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
