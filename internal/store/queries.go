package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/nudged/internal/timeutil"
)

// Insert adds a fresh row for a task with processing=0 and step=1. At
// admission the next-run hint equals the due date, so the first scan after
// the deadline picks the task up. Returns ErrExists when the id is already
// tracked.
func (s *Store) Insert(ctx context.Context, taskID uint64, due, nextRunAt string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO active_tasks (task_id, due, next_run_at, processing, step) VALUES (?, ?, ?, 0, 1)`,
		taskID, due, nextRunAt)
	if err != nil {
		return wrapDBError("insert task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("insert task", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Exists reports whether the task id has a row.
func (s *Store) Exists(ctx context.Context, taskID uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM active_tasks WHERE task_id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBError("check task exists", err)
	}
	return true, nil
}

// FetchCandidates returns up to limit task ids that are unlocked and due for
// a run (next_run_at <= now UTC), ordered by next_run_at ascending.
//
// The query overselects five times the limit and filters in code: stored
// timestamps may predate the current format, and a single unparseable row
// must not abort the whole batch. Unparseable rows are skipped with a log.
func (s *Store) FetchCandidates(ctx context.Context, limit int) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, next_run_at FROM active_tasks WHERE processing = 0 ORDER BY next_run_at LIMIT ?`,
		limit*5)
	if err != nil {
		return nil, wrapDBError("fetch candidates", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var out []uint64
	for rows.Next() {
		var (
			id  uint64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, wrapDBError("scan candidate", err)
		}
		t, err := timeutil.ParseISOToUTC(raw)
		if err != nil {
			s.log.Warn("skipping candidate with unparseable next_run_at",
				"task_id", id, "next_run_at", raw, "error", err)
			continue
		}
		if t.After(now) {
			continue
		}
		out = append(out, id)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate candidates", err)
	}
	return out, nil
}

// TryLock attempts to take the processing flag for a task. The single UPDATE
// is the compare-and-set that serializes workers: it succeeds for exactly one
// caller while the row is unlocked. Returns true iff this call took the lock.
func (s *Store) TryLock(ctx context.Context, taskID uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_tasks SET processing = 1, locked_at = ? WHERE task_id = ? AND processing = 0`,
		timeutil.ToISO(s.now()), taskID)
	if err != nil {
		return false, wrapDBError("try lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("try lock", err)
	}
	return n == 1, nil
}

// Unlock clears the processing flag and lock timestamp. Unlocking a row that
// is not locked, or that no longer exists, is not an error.
func (s *Store) Unlock(ctx context.Context, taskID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_tasks SET processing = 0, locked_at = NULL WHERE task_id = ?`, taskID)
	return wrapDBError("unlock task", err)
}

// BumpStepAndReschedule advances the escalation step, points next_run_at at
// the next daily slot in the configured zone (stored as UTC), and releases
// the lock, all in one statement.
func (s *Store) BumpStepAndReschedule(ctx context.Context, taskID uint64, step int) error {
	next := timeutil.ToISO(timeutil.NextDailySlot(s.now(), s.tz))
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_tasks SET step = ?, next_run_at = ?, processing = 0, locked_at = NULL WHERE task_id = ?`,
		step, next, taskID)
	return wrapDBError("bump step and reschedule", err)
}

// SetStep overwrites the step counter without touching scheduling or lock state.
func (s *Store) SetStep(ctx context.Context, taskID uint64, step int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_tasks SET step = ? WHERE task_id = ?`, step, taskID)
	return wrapDBError("set step", err)
}

// GetRow loads the full row for a task, or ErrNotFound.
func (s *Store) GetRow(ctx context.Context, taskID uint64) (*TaskRecord, error) {
	var (
		rec        TaskRecord
		processing int
		lockedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, due, next_run_at, processing, locked_at, step FROM active_tasks WHERE task_id = ?`,
		taskID).Scan(&rec.TaskID, &rec.Due, &rec.NextRunAt, &processing, &lockedAt, &rec.Step)
	if err != nil {
		return nil, wrapDBError("get task row", err)
	}
	rec.Processing = processing != 0
	if lockedAt.Valid {
		rec.LockedAt = &lockedAt.String
	}
	return &rec, nil
}

// Delete removes the row for a task. Deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, taskID uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_tasks WHERE task_id = ?`, taskID)
	return wrapDBError("delete task", err)
}

// RecoverStaleLocks unlocks every row whose lock is older than expiry,
// in a single transaction, and returns the recovered ids. A worker that
// crashed mid-run leaves its row locked; this brings such rows back into
// circulation on the next scan.
func (s *Store) RecoverStaleLocks(ctx context.Context, expiry time.Duration) ([]uint64, error) {
	cutoff := timeutil.ToISO(s.now().Add(-expiry))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBError("begin stale lock recovery", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT task_id FROM active_tasks WHERE processing = 1 AND locked_at IS NOT NULL AND locked_at <= ?`,
		cutoff)
	if err != nil {
		return nil, wrapDBError("select stale locks", err)
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapDBError("scan stale lock", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapDBError("iterate stale locks", err)
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE active_tasks SET processing = 0, locked_at = NULL WHERE processing = 1 AND locked_at IS NOT NULL AND locked_at <= ?`,
			cutoff)
		if err != nil {
			return nil, wrapDBError("unlock stale rows", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDBError("commit stale lock recovery", err)
	}

	if len(ids) > 0 {
		s.log.Info("recovered stale locks", "task_ids", ids, "cutoff", cutoff)
	}
	return ids, nil
}
