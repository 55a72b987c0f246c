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

// featurePayload is the current on-disk shape of a feature vector. Legacy
// rows store a bare JSON array of values instead; LoadFeatureVector accepts
// both and migrates legacy rows forward on read.
type featurePayload struct {
	Values []float64 `json:"values"`
	Labels []string  `json:"labels,omitempty"`
	Ts     int64     `json:"ts,omitempty"`
}

// SaveFeatureVector persists one vector keyed by (session_id, version).
// Written once per decision when a session is provided.
func (s *Store) SaveFeatureVector(ctx context.Context, v *types.FeatureVector) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveFeatureVector")
	defer timer.Stop()

	payload, err := json.Marshal(featurePayload{
		Values: v.Values,
		Labels: v.Labels,
		Ts:     v.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feature payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feature_vectors (session_id, version, payload, norm_method, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, version) DO UPDATE SET
			payload=excluded.payload, norm_method=excluded.norm_method, ts=excluded.ts`,
		v.SessionID, v.Version, string(payload), v.NormMethod, v.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save feature vector %s/v%d: %w", v.SessionID, v.Version, err)
	}
	return nil
}

// LoadFeatureVector returns the vector for (sessionID, version), or the
// latest version when version <= 0. Returns nil when none exists.
//
// Both payload shapes are accepted: the current {values, labels, ts} object
// and the legacy bare array [f0, ..., fk-1]. Legacy rows are rewritten in
// the current shape after a successful read so later reads take the fast
// path.
func (s *Store) LoadFeatureVector(ctx context.Context, sessionID string, version int) (*types.FeatureVector, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadFeatureVector")
	defer timer.Stop()

	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT session_id, version, payload, norm_method, ts
			FROM feature_vectors WHERE session_id = ? AND version = ?`, sessionID, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT session_id, version, payload, norm_method, ts
			FROM feature_vectors WHERE session_id = ?
			ORDER BY version DESC LIMIT 1`, sessionID)
	}

	var v types.FeatureVector
	var payload string
	var ts int64
	err := row.Scan(&v.SessionID, &v.Version, &payload, &v.NormMethod, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feature vector for %s: %w", sessionID, err)
	}
	v.Timestamp = time.UnixMilli(ts)

	legacy, err := decodeFeaturePayload(payload, &v)
	if err != nil {
		return nil, fmt.Errorf("corrupt feature payload for %s/v%d: %w", v.SessionID, v.Version, err)
	}
	if legacy {
		// Migration write-back: after this, both shapes yield identical values.
		if err := s.SaveFeatureVector(ctx, &v); err != nil {
			logging.Get(logging.CategoryStore).Warn("Legacy feature migration write-back failed for %s/v%d: %v",
				v.SessionID, v.Version, err)
		} else {
			logging.StoreDebug("Migrated legacy feature payload %s/v%d", v.SessionID, v.Version)
		}
	}
	return &v, nil
}

// decodeFeaturePayload fills v from either payload shape, reporting whether
// the legacy bare-array shape was seen.
func decodeFeaturePayload(payload string, v *types.FeatureVector) (legacy bool, err error) {
	var obj featurePayload
	if err := json.Unmarshal([]byte(payload), &obj); err == nil && obj.Values != nil {
		v.Values = obj.Values
		v.Labels = obj.Labels
		if obj.Ts > 0 {
			v.Timestamp = time.UnixMilli(obj.Ts)
		}
		return false, nil
	}

	var arr []float64
	if err := json.Unmarshal([]byte(payload), &arr); err != nil {
		return false, err
	}
	v.Values = arr
	v.Labels = nil
	return true, nil
}
