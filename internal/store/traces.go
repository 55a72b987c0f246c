package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"amas/internal/logging"
	"amas/internal/types"
)

// UpsertTrace persists one decision trace as a single transaction: the
// decision row is upserted by decision_id and the stage rows are replaced
// atomically (delete-then-insert).
func (s *Store) UpsertTrace(ctx context.Context, trace *types.DecisionTrace) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertTrace")
	defer timer.Stop()

	weights, err := marshalOrNil(trace.WeightsSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal weights snapshot: %w", err)
	}
	votes, err := marshalOrNil(trace.MemberVotes)
	if err != nil {
		return fmt.Errorf("failed to marshal member votes: %w", err)
	}
	action, err := json.Marshal(trace.SelectedAction)
	if err != nil {
		return fmt.Errorf("failed to marshal selected action: %w", err)
	}

	return s.Transact(ctx, func(tx *sql.Tx) error {
		var reward any
		if trace.Reward != nil {
			reward = *trace.Reward
		}
		_, err := tx.Exec(`
			INSERT INTO decision_traces
				(decision_id, answer_record_id, session_id, timestamp, decision_source,
				 weights_snapshot, member_votes, selected_action, confidence, reward, ingestion_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(decision_id) DO UPDATE SET
				answer_record_id=excluded.answer_record_id,
				session_id=excluded.session_id,
				timestamp=excluded.timestamp,
				decision_source=excluded.decision_source,
				weights_snapshot=excluded.weights_snapshot,
				member_votes=excluded.member_votes,
				selected_action=excluded.selected_action,
				confidence=excluded.confidence,
				reward=excluded.reward,
				ingestion_status=excluded.ingestion_status`,
			trace.DecisionID, nullableString(trace.AnswerRecordID), nullableString(trace.SessionID),
			trace.Timestamp.UnixMilli(), trace.DecisionSource,
			weights, votes, string(action), trace.Confidence, reward, string(trace.IngestionStatus))
		if err != nil {
			return fmt.Errorf("failed to upsert trace %s: %w", trace.DecisionID, err)
		}

		if _, err := tx.Exec(`DELETE FROM decision_trace_stages WHERE decision_id = ?`,
			trace.DecisionID); err != nil {
			return fmt.Errorf("failed to clear stages for %s: %w", trace.DecisionID, err)
		}
		for i, st := range trace.Stages {
			var endedAt, durationMs any
			if st.EndedAt != nil {
				endedAt = st.EndedAt.UnixMilli()
			}
			if st.DurationMs > 0 {
				durationMs = st.DurationMs
			}
			if _, err := tx.Exec(`
				INSERT INTO decision_trace_stages
					(decision_id, seq, stage, status, started_at, ended_at, duration_ms, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				trace.DecisionID, i, st.Stage, st.Status,
				st.StartedAt.UnixMilli(), endedAt, durationMs, nullableString(st.Error)); err != nil {
				return fmt.Errorf("failed to insert stage %d for %s: %w", i, trace.DecisionID, err)
			}
		}
		return nil
	})
}

// UpsertFailureMarker records that a decision could not be fully traced.
// The decision ID is never lost: a minimal row with ingestion_status=FAILED
// and an error action is written in place of the full trace.
func (s *Store) UpsertFailureMarker(ctx context.Context, decisionID string, ts time.Time) error {
	action, _ := json.Marshal(map[string]any{"error": "failed_to_record"})
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_traces
			(decision_id, timestamp, decision_source, selected_action, confidence, ingestion_status)
		VALUES (?, ?, 'unknown', ?, 0, 'FAILED')
		ON CONFLICT(decision_id) DO UPDATE SET
			ingestion_status='FAILED', selected_action=excluded.selected_action`,
		decisionID, ts.UnixMilli(), string(action))
	if err != nil {
		return fmt.Errorf("failed to upsert failure marker for %s: %w", decisionID, err)
	}
	return nil
}

// GetTrace loads one decision trace with its stages, or nil.
func (s *Store) GetTrace(ctx context.Context, decisionID string) (*types.DecisionTrace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, answer_record_id, session_id, timestamp, decision_source,
		       weights_snapshot, member_votes, selected_action, confidence, reward, ingestion_status
		FROM decision_traces WHERE decision_id = ?`, decisionID)

	var t types.DecisionTrace
	var answerID, sessionID, weights, votes sql.NullString
	var reward sql.NullFloat64
	var ts int64
	var action, status string
	err := row.Scan(&t.DecisionID, &answerID, &sessionID, &ts, &t.DecisionSource,
		&weights, &votes, &action, &t.Confidence, &reward, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trace %s: %w", decisionID, err)
	}

	t.Timestamp = time.UnixMilli(ts)
	t.IngestionStatus = types.IngestionStatus(status)
	if answerID.Valid {
		t.AnswerRecordID = answerID.String
	}
	if sessionID.Valid {
		t.SessionID = sessionID.String
	}
	if reward.Valid {
		r := reward.Float64
		t.Reward = &r
	}
	if weights.Valid && weights.String != "" {
		json.Unmarshal([]byte(weights.String), &t.WeightsSnapshot)
	}
	if votes.Valid && votes.String != "" {
		json.Unmarshal([]byte(votes.String), &t.MemberVotes)
	}
	if action != "" {
		json.Unmarshal([]byte(action), &t.SelectedAction)
	}

	stages, err := s.traceStages(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	t.Stages = stages
	return &t, nil
}

func (s *Store) traceStages(ctx context.Context, decisionID string) ([]types.TraceStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, started_at, ended_at, duration_ms, error
		FROM decision_trace_stages
		WHERE decision_id = ?
		ORDER BY seq ASC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages for %s: %w", decisionID, err)
	}
	defer rows.Close()

	var stages []types.TraceStage
	for rows.Next() {
		var st types.TraceStage
		var startedAt int64
		var endedAt, durationMs sql.NullInt64
		var stageErr sql.NullString
		if err := rows.Scan(&st.Stage, &st.Status, &startedAt, &endedAt, &durationMs, &stageErr); err != nil {
			return nil, err
		}
		st.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			e := time.UnixMilli(endedAt.Int64)
			st.EndedAt = &e
		}
		if durationMs.Valid {
			st.DurationMs = durationMs.Int64
		}
		if stageErr.Valid {
			st.Error = stageErr.String
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// CountTracesByStatus returns ingestion_status -> count over all traces.
func (s *Store) CountTracesByStatus(ctx context.Context) (map[types.IngestionStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ingestion_status, COUNT(*) FROM decision_traces GROUP BY ingestion_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count traces: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.IngestionStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.IngestionStatus(status)] = n
	}
	return counts, rows.Err()
}

func marshalOrNil(m map[string]float64) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
