package pipeline

import (
	"math"

	"amas/internal/types"
)

// State update operator. UpdateState is a pure function of
// (prevState, event, stats): identical inputs reproduce the identical output
// byte for byte, which the delayed-reward replay path relies on.

// EMA smoothing for the cognitive dimensions.
const cognitionAlpha = 0.3

// UpdateState derives the next cognitive state. The input state is not
// mutated; every scalar of the result is clamped to [0,1].
func UpdateState(prev *types.UserState, event *types.RawEvent, stats *types.UserStats) *types.UserState {
	next := prev.Clone()

	// Attention: rises with engagement, sinks with focus loss and fatigue
	// drag.
	attentionDelta := attentionSignal(event) - 0.02*prev.Fatigue
	next.Attention = types.Clamp01(prev.Attention + attentionDelta)

	// Fatigue: accumulates with slow responses and pauses, recovers slightly
	// on quick correct answers.
	next.Fatigue = types.Clamp01(prev.Fatigue + fatigueSignal(event))

	// Motivation: nudged by outcome.
	next.Motivation = types.Clamp01(prev.Motivation + motivationSignal(event.IsCorrect))

	// Cognitive dimensions: EMA toward the per-event observation.
	obsMem := memoryObservation(event)
	obsSpeed := speedObservation(event.ResponseTimeMs)
	obsStab := stabilityObservation(event, stats)
	next.Cognition.Memory = ema(prev.Cognition.Memory, obsMem)
	next.Cognition.Speed = ema(prev.Cognition.Speed, obsSpeed)
	next.Cognition.Stability = ema(prev.Cognition.Stability, obsStab)

	next.Trend = trendTag(prev, next)
	return next
}

func ema(old, obs float64) float64 {
	return types.Clamp01(old*(1-cognitionAlpha) + obs*cognitionAlpha)
}

// attentionSignal maps event engagement to a small attention delta.
func attentionSignal(event *types.RawEvent) float64 {
	delta := 0.0
	if event.IsCorrect {
		delta += 0.02
	} else {
		delta -= 0.01
	}
	// Focus loss and app switches erode attention.
	delta -= 0.005 * float64(event.SwitchCount)
	delta -= math.Min(0.05, float64(event.FocusLossMs)/600000.0)
	return delta
}

// fatigueSignal grows with response time and pauses.
func fatigueSignal(event *types.RawEvent) float64 {
	delta := 0.0
	switch {
	case event.ResponseTimeMs > 10000:
		delta += 0.04
	case event.ResponseTimeMs > 5000:
		delta += 0.02
	case event.ResponseTimeMs <= 3000 && event.IsCorrect:
		delta -= 0.01
	}
	delta += 0.005 * float64(event.PauseCount)
	return delta
}

func motivationSignal(isCorrect bool) float64 {
	if isCorrect {
		return 0.03
	}
	return -0.02
}

// memoryObservation: correctness tempered by retries.
func memoryObservation(event *types.RawEvent) float64 {
	if !event.IsCorrect {
		return 0.2
	}
	return types.Clamp01(1.0 - 0.15*float64(event.RetryCount))
}

// speedObservation maps response time into [0,1] on the scoring thresholds.
func speedObservation(responseMs int64) float64 {
	return SpeedScore(responseMs)
}

// stabilityObservation: high when the event matches the user's recent
// pattern, low on erratic interaction.
func stabilityObservation(event *types.RawEvent, stats *types.UserStats) float64 {
	obs := 0.7
	obs -= 0.05 * float64(event.SwitchCount)
	obs -= 0.03 * float64(event.PauseCount)
	if stats.RecentAvgMs > 0 {
		ratio := float64(event.ResponseTimeMs) / stats.RecentAvgMs
		// Deviation from the user's own pace reads as instability.
		obs -= math.Min(0.3, math.Abs(ratio-1.0)*0.2)
	}
	return types.Clamp01(obs)
}

// trendTag summarizes the state delta for the history rollup.
func trendTag(prev, next *types.UserState) string {
	score := func(s *types.UserState) float64 {
		return s.Attention + s.Motivation + s.Cognition.Memory + s.Cognition.Speed + s.Cognition.Stability - s.Fatigue
	}
	diff := score(next) - score(prev)
	switch {
	case diff > 0.02:
		return "improving"
	case diff < -0.02:
		return "declining"
	default:
		return "stable"
	}
}
