// Package feature turns one raw interaction event plus the surrounding
// cognitive state into a fixed-schema feature vector for the strategy
// selector. Extraction is deterministic: the same (state, event, stats)
// always yields the same vector, byte for byte.
package feature

import (
	"time"

	"amas/internal/types"
)

// Version tags the current vector schema. Bump when the schema changes; the
// stored version decides the expected length on read.
const Version = 2

// Dim is the fixed length of a Version 2 vector.
const Dim = 16

// NormMethod names the normalization applied to raw inputs.
const NormMethod = "minmax"

// labels is the fixed label schema, index-aligned with the values.
var labels = []string{
	"is_correct",
	"response_time",
	"dwell_time",
	"pause_count",
	"switch_count",
	"retry_count",
	"focus_loss",
	"interaction_density",
	"attention",
	"fatigue",
	"motivation",
	"cog_memory",
	"cog_speed",
	"cog_stability",
	"recent_accuracy",
	"interaction_count",
}

// Normalization caps. Raw values above the cap clip to 1.0.
const (
	maxResponseMs   = 30000.0
	maxDwellMs      = 60000.0
	maxPauses       = 10.0
	maxSwitches     = 10.0
	maxRetries      = 5.0
	maxFocusLossMs  = 30000.0
	maxDensity      = 10.0
	maxInteractions = 500.0
)

// Extract builds the Version 2 vector for a decision.
func Extract(state *types.UserState, event *types.RawEvent, stats *types.UserStats, sessionID string, now time.Time) *types.FeatureVector {
	correct := 0.0
	if event.IsCorrect {
		correct = 1.0
	}

	values := []float64{
		correct,
		norm(float64(event.ResponseTimeMs), maxResponseMs),
		norm(float64(event.DwellTimeMs), maxDwellMs),
		norm(float64(event.PauseCount), maxPauses),
		norm(float64(event.SwitchCount), maxSwitches),
		norm(float64(event.RetryCount), maxRetries),
		norm(float64(event.FocusLossMs), maxFocusLossMs),
		norm(event.InteractionDensity, maxDensity),
		state.Attention,
		state.Fatigue,
		state.Motivation,
		state.Cognition.Memory,
		state.Cognition.Speed,
		state.Cognition.Stability,
		stats.RecentAccuracy,
		norm(float64(stats.InteractionCount), maxInteractions),
	}

	return &types.FeatureVector{
		SessionID:  sessionID,
		Version:    Version,
		Values:     values,
		Labels:     Labels(),
		NormMethod: NormMethod,
		Timestamp:  now,
	}
}

// Labels returns a copy of the fixed label schema.
func Labels() []string {
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

// DimFor returns the expected vector length for a schema version.
func DimFor(version int) int {
	switch version {
	case 1:
		return 8 // legacy event-only schema
	case Version:
		return Dim
	default:
		return 0
	}
}

func norm(v, max float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= max {
		return 1
	}
	return v / max
}
