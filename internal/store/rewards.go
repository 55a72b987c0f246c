package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"amas/internal/logging"
	"amas/internal/types"
)

// EnqueueTask inserts a delayed-reward task. Idempotent on the idempotency
// key: when a task with the same key already exists, the existing row is
// returned unchanged and created is false (rewards never stack).
func (s *Store) EnqueueTask(ctx context.Context, task *types.DelayedRewardTask) (*types.DelayedRewardTask, bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "EnqueueTask")
	defer timer.Stop()

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reward_tasks
			(id, user_id, session_id, due_ts, reward, idempotency_key, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0, ?, ?)`,
		task.ID, task.UserID, nullableString(task.SessionID), task.DueTs.UnixMilli(),
		task.Reward, task.IdempotencyKey, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue reward task: %w", err)
	}

	affected, _ := res.RowsAffected()
	existing, err := s.GetTaskByKey(ctx, task.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("reward task vanished after enqueue (key=%s)", task.IdempotencyKey)
	}
	return existing, affected == 1, nil
}

// ClaimDue atomically claims up to batch tasks with status=PENDING and
// due_ts <= now, ordered by due_ts then created_at, moving them to
// PROCESSING with an attempt increment. Only the claiming worker may touch a
// claimed row until it releases it.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, batch int) ([]types.DelayedRewardTask, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ClaimDue")
	defer timer.Stop()

	if batch <= 0 {
		batch = 50
	}

	var claimed []string
	err := s.Transact(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.Query(`
			SELECT id FROM reward_tasks
			WHERE status = 'PENDING' AND due_ts <= ?
			ORDER BY due_ts ASC, created_at ASC
			LIMIT ?`, now.UnixMilli(), batch)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		placeholders := strings.Repeat("?,", len(claimed))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(claimed)+1)
		args = append(args, now.UnixMilli())
		for _, id := range claimed {
			args = append(args, id)
		}
		// The status guard makes the claim conditional: a row already moved
		// by another writer is skipped, never double-claimed.
		res, err := tx.Exec(fmt.Sprintf(`
			UPDATE reward_tasks
			SET status = 'PROCESSING', attempts = attempts + 1, updated_at = ?
			WHERE id IN (%s) AND status = 'PENDING'`, placeholders), args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); int(n) != len(claimed) {
			logging.RewardDebug("Claim raced: wanted %d, claimed %d", len(claimed), n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return s.tasksByIDs(ctx, claimed)
}

func (s *Store) tasksByIDs(ctx context.Context, ids []string) ([]types.DelayedRewardTask, error) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, session_id, due_ts, reward, idempotency_key,
		       status, attempts, last_error, created_at, updated_at
		FROM reward_tasks WHERE id IN (%s) AND status = 'PROCESSING'
		ORDER BY due_ts ASC, created_at ASC`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ReleaseTask moves a PROCESSING task back to PENDING after a handler
// failure, recording the error and the backoff-shifted next eligible time.
func (s *Store) ReleaseTask(ctx context.Context, id, lastError string, nextDue time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_tasks
		SET status = 'PENDING', last_error = ?, due_ts = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		lastError, nextDue.UnixMilli(), s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", id, err)
	}
	return nil
}

// CompleteTask marks a PROCESSING task DONE.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_tasks SET status = 'DONE', last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return nil
}

// FailTask marks a task FAILED terminally with its last error.
func (s *Store) FailTask(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_tasks SET status = 'FAILED', last_error = ?, updated_at = ?
		WHERE id = ?`,
		lastError, s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", id, err)
	}
	return nil
}

// GetTaskByKey returns the task with the given idempotency key, or nil.
func (s *Store) GetTaskByKey(ctx context.Context, key string) (*types.DelayedRewardTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, due_ts, reward, idempotency_key,
		       status, attempts, last_error, created_at, updated_at
		FROM reward_tasks WHERE idempotency_key = ?`, key)
	return scanTask(row)
}

// GetTask returns the task with the given id, or nil.
func (s *Store) GetTask(ctx context.Context, id string) (*types.DelayedRewardTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, due_ts, reward, idempotency_key,
		       status, attempts, last_error, created_at, updated_at
		FROM reward_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// CountTasksByStatus returns a status -> count map over the whole queue.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM reward_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkApplied records the processed marker for an idempotency key. Returns
// true only for the first call with a given key; duplicate deliveries after
// a crash observe false and no-op the model update.
func (s *Store) MarkApplied(ctx context.Context, idempotencyKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reward_applied (idempotency_key, applied_at)
		VALUES (?, ?)`, idempotencyKey, s.clock.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to mark reward applied: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// -----------------------------------------------------------------------------
// Scan helpers
// -----------------------------------------------------------------------------

func scanTask(row *sql.Row) (*types.DelayedRewardTask, error) {
	var t types.DelayedRewardTask
	var sessionID, lastError sql.NullString
	var dueTs, createdAt, updatedAt int64
	var status string
	err := row.Scan(&t.ID, &t.UserID, &sessionID, &dueTs, &t.Reward,
		&t.IdempotencyKey, &status, &t.Attempts, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reward task: %w", err)
	}
	fillTask(&t, sessionID, lastError, status, dueTs, createdAt, updatedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]types.DelayedRewardTask, error) {
	var out []types.DelayedRewardTask
	for rows.Next() {
		var t types.DelayedRewardTask
		var sessionID, lastError sql.NullString
		var dueTs, createdAt, updatedAt int64
		var status string
		if err := rows.Scan(&t.ID, &t.UserID, &sessionID, &dueTs, &t.Reward,
			&t.IdempotencyKey, &status, &t.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		fillTask(&t, sessionID, lastError, status, dueTs, createdAt, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func fillTask(t *types.DelayedRewardTask, sessionID, lastError sql.NullString,
	status string, dueTs, createdAt, updatedAt int64) {
	if sessionID.Valid {
		t.SessionID = sessionID.String
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}
	t.Status = types.TaskStatus(status)
	t.DueTs = time.UnixMilli(dueTs)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
