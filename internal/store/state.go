package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"amas/internal/logging"
	"amas/internal/types"
)

// EMA smoothing factor for repeated same-day history writes.
const historyAlpha = 0.3

// LoadState returns the live cognitive state for a user, or nil when the
// user has no persisted snapshot yet.
func (s *Store) LoadState(ctx context.Context, userID string) (*types.UserState, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadState")
	defer timer.Stop()

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, attention, fatigue, motivation,
		       cog_memory, cog_speed, cog_stability, trend, updated_at
		FROM user_states WHERE user_id = ?`, userID)

	var st types.UserState
	var updatedAt int64
	err := row.Scan(&st.UserID, &st.Attention, &st.Fatigue, &st.Motivation,
		&st.Cognition.Memory, &st.Cognition.Speed, &st.Cognition.Stability,
		&st.Trend, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}
	st.UpdatedAt = time.UnixMilli(updatedAt)
	return &st, nil
}

// SaveStateTx persists the live state and its daily EMA rollup inside the
// given transaction. The state is clamped before write so the [0,1] invariant
// holds for every stored row.
func (s *Store) SaveStateTx(tx *sql.Tx, st *types.UserState) error {
	st.Clamp()
	now := s.clock.Now()
	st.UpdatedAt = now

	_, err := tx.Exec(`
		INSERT INTO user_states
			(user_id, attention, fatigue, motivation, cog_memory, cog_speed, cog_stability, trend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			attention=excluded.attention, fatigue=excluded.fatigue,
			motivation=excluded.motivation, cog_memory=excluded.cog_memory,
			cog_speed=excluded.cog_speed, cog_stability=excluded.cog_stability,
			trend=excluded.trend, updated_at=excluded.updated_at`,
		st.UserID, st.Attention, st.Fatigue, st.Motivation,
		st.Cognition.Memory, st.Cognition.Speed, st.Cognition.Stability,
		st.Trend, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", st.UserID, err)
	}

	return s.upsertDailyHistoryTx(tx, st, now)
}

// upsertDailyHistoryTx appends or EMA-merges the daily rollup row for the
// state's UTC day. First write of the day stores the raw values; repeated
// writes blend with alpha=0.3 toward the new value.
func (s *Store) upsertDailyHistoryTx(tx *sql.Tx, st *types.UserState, now time.Time) error {
	date := now.UTC().Format("2006-01-02")

	row := tx.QueryRow(`
		SELECT attention, fatigue, motivation, cog_memory, cog_speed, cog_stability
		FROM state_history WHERE user_id = ? AND date = ?`, st.UserID, date)

	var prev types.StateHistory
	err := row.Scan(&prev.Attention, &prev.Fatigue, &prev.Motivation,
		&prev.Cognition.Memory, &prev.Cognition.Speed, &prev.Cognition.Stability)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO state_history
				(user_id, date, attention, fatigue, motivation, cog_memory, cog_speed, cog_stability, trend_state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.UserID, date, st.Attention, st.Fatigue, st.Motivation,
			st.Cognition.Memory, st.Cognition.Speed, st.Cognition.Stability,
			st.Trend, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert daily history: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read daily history: %w", err)
	}

	ema := func(old, new float64) float64 { return old*(1-historyAlpha) + new*historyAlpha }
	_, err = tx.Exec(`
		UPDATE state_history SET
			attention=?, fatigue=?, motivation=?,
			cog_memory=?, cog_speed=?, cog_stability=?,
			trend_state=?, updated_at=?
		WHERE user_id = ? AND date = ?`,
		ema(prev.Attention, st.Attention), ema(prev.Fatigue, st.Fatigue),
		ema(prev.Motivation, st.Motivation),
		ema(prev.Cognition.Memory, st.Cognition.Memory),
		ema(prev.Cognition.Speed, st.Cognition.Speed),
		ema(prev.Cognition.Stability, st.Cognition.Stability),
		st.Trend, now.UnixMilli(), st.UserID, date)
	if err != nil {
		return fmt.Errorf("failed to update daily history: %w", err)
	}
	return nil
}

// GetHistory returns daily rollups for a user, most recent first.
func (s *Store) GetHistory(ctx context.Context, userID string, limit int) ([]types.StateHistory, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, date, attention, fatigue, motivation,
		       cog_memory, cog_speed, cog_stability, trend_state, updated_at
		FROM state_history
		WHERE user_id = ?
		ORDER BY date DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []types.StateHistory
	for rows.Next() {
		var h types.StateHistory
		var updatedAt int64
		if err := rows.Scan(&h.UserID, &h.Date, &h.Attention, &h.Fatigue, &h.Motivation,
			&h.Cognition.Memory, &h.Cognition.Speed, &h.Cognition.Stability,
			&h.TrendState, &updatedAt); err != nil {
			return nil, err
		}
		h.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordAnswerTx appends one answer record inside the given transaction.
func (s *Store) RecordAnswerTx(tx *sql.Tx, id, userID string, event *types.RawEvent) error {
	correct := 0
	if event.IsCorrect {
		correct = 1
	}
	_, err := tx.Exec(`
		INSERT INTO answer_records (id, user_id, word_id, is_correct, response_time_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, event.WordID, correct, event.ResponseTimeMs, event.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	return nil
}

// UserStats derives interaction count and recent accuracy for a user via the
// (user_id, timestamp desc) index.
func (s *Store) UserStats(ctx context.Context, userID string, window int) (*types.UserStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UserStats")
	defer timer.Stop()

	if window <= 0 {
		window = 20
	}

	stats := &types.UserStats{UserID: userID}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM answer_records WHERE user_id = ?`, userID).
		Scan(&stats.InteractionCount); err != nil {
		return nil, fmt.Errorf("failed to count interactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT is_correct, response_time_ms
		FROM answer_records
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, userID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent answers: %w", err)
	}
	defer rows.Close()

	var n, correct int
	var totalMs int64
	for rows.Next() {
		var isCorrect int
		var ms int64
		if err := rows.Scan(&isCorrect, &ms); err != nil {
			return nil, err
		}
		n++
		correct += isCorrect
		totalMs += ms
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n > 0 {
		stats.RecentAccuracy = float64(correct) / float64(n)
		stats.RecentAvgMs = float64(totalMs) / float64(n)
	}
	return stats, nil
}

// ResetUser deletes all rows owned by a user: live state, history, answers,
// and queued reward tasks. Used by the operator reset and by tests.
func (s *Store) ResetUser(ctx context.Context, userID string) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM user_states WHERE user_id = ?`,
			`DELETE FROM state_history WHERE user_id = ?`,
			`DELETE FROM answer_records WHERE user_id = ?`,
			`DELETE FROM reward_tasks WHERE user_id = ?`,
		} {
			if _, err := tx.Exec(q, userID); err != nil {
				return fmt.Errorf("failed to reset user %s: %w", userID, err)
			}
		}
		return nil
	})
}
