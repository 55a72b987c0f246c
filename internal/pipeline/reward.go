package pipeline

import (
	"math"

	"amas/internal/types"
)

// Reward and scoring constants. These weights are defined once here; every
// consumer (immediate reward, session scoring) reads them from this file.

// Immediate reward weights: r = wCorrect·(2·isCorrect−1) + wSpeed·speedScore
// + wStability·stabilityDelta, clamped to [−1,1].
const (
	rewardWeightCorrect   = 0.5
	rewardWeightSpeed     = 0.3
	rewardWeightStability = 0.2
)

// Session scoring weights, percentile-scaled 0-100.
const (
	scoreWeightAccuracy    = 0.4
	scoreWeightSpeed       = 0.2
	scoreWeightStability   = 0.2
	scoreWeightProficiency = 0.2
)

// Speed thresholds in milliseconds.
const (
	speedExcellentMs = 3000
	speedGoodMs      = 5000
	speedAverageMs   = 10000
)

// SpeedScore maps response time to {1.0, 0.75, 0.5, 0.25} on the fixed
// thresholds: excellent <=3000ms, good <=5000ms, average <=10000ms, slow
// beyond.
func SpeedScore(responseMs int64) float64 {
	switch {
	case responseMs <= speedExcellentMs:
		return 1.0
	case responseMs <= speedGoodMs:
		return 0.75
	case responseMs <= speedAverageMs:
		return 0.5
	default:
		return 0.25
	}
}

// ImmediateReward computes the per-event scalar reward.
// stabilityDelta is C.stability_new − C.stability_prev.
func ImmediateReward(isCorrect bool, responseMs int64, stabilityDelta float64) float64 {
	correct := -1.0
	if isCorrect {
		correct = 1.0
	}
	r := rewardWeightCorrect*correct +
		rewardWeightSpeed*SpeedScore(responseMs) +
		rewardWeightStability*stabilityDelta
	return clampReward(r)
}

// clampReward clamps into [-1,1]. Non-finite inputs collapse to 0; the
// callers that can produce non-finite rewards reject them before this point.
func clampReward(r float64) float64 {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	if r < -1 {
		return -1
	}
	if r > 1 {
		return 1
	}
	return r
}

// SessionScore is the percentile-scaled 0-100 rollup surfaced to operators.
type SessionScore struct {
	Accuracy    float64 `json:"accuracy"`
	Speed       float64 `json:"speed"`
	Stability   float64 `json:"stability"`
	Proficiency float64 `json:"proficiency"`
	Total       int     `json:"total"`
}

// ScoreSession computes the weighted 0-100 score from current stats and
// state. Each component is scaled to 0-100 before weighting; the total is
// rounded.
func ScoreSession(stats *types.UserStats, state *types.UserState) SessionScore {
	s := SessionScore{
		Accuracy:    100 * stats.RecentAccuracy,
		Speed:       100 * state.Cognition.Speed,
		Stability:   100 * state.Cognition.Stability,
		Proficiency: 100 * state.Cognition.Memory,
	}
	total := scoreWeightAccuracy*s.Accuracy +
		scoreWeightSpeed*s.Speed +
		scoreWeightStability*s.Stability +
		scoreWeightProficiency*s.Proficiency
	s.Total = int(math.Round(total))
	return s
}
