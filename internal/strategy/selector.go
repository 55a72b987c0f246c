// Package strategy implements the contextual-bandit strategy selector: given
// a feature vector and the user's cold-start phase it produces a learning
// strategy (difficulty, new-word ratio, review interval scale, batch size,
// hint level) with a confidence, and absorbs both immediate and delayed
// rewards into the model.
package strategy

import (
	"amas/internal/types"
)

// Prediction is the outcome of one selection.
type Prediction struct {
	Action          types.StrategyParams
	ActionID        string
	Confidence      float64
	WeightsSnapshot map[string]float64
	Source          string // bandit, epsilon_greedy, uniform_random
}

// Selector is the polymorphism boundary for strategy models. Implementations
// must be deterministic for a given model state and must converge
// monotonically under repeated identical (features, reward).
type Selector interface {
	Predict(features []float64, phase types.Phase) (*Prediction, error)
	UpdateRealtime(features []float64, reward float64) error
	UpdateDelayed(features []float64, reward float64) error
}

// actionDef is one discrete arm of the bandit.
type actionDef struct {
	ID     string
	Params types.StrategyParams
}

// actionCatalog is the fixed arm set: three difficulty bands crossed with
// three pacing profiles. The catalog order is part of the model state; do
// not reorder without versioning persisted weights.
var actionCatalog = []actionDef{
	{ID: "easy_gentle", Params: types.StrategyParams{IntervalScale: 1.3, NewRatio: 0.1, Difficulty: types.DifficultyEasy, BatchSize: 5, HintLevel: 2}},
	{ID: "easy_steady", Params: types.StrategyParams{IntervalScale: 1.1, NewRatio: 0.2, Difficulty: types.DifficultyEasy, BatchSize: 8, HintLevel: 1}},
	{ID: "easy_push", Params: types.StrategyParams{IntervalScale: 0.9, NewRatio: 0.3, Difficulty: types.DifficultyEasy, BatchSize: 10, HintLevel: 1}},
	{ID: "mid_gentle", Params: types.StrategyParams{IntervalScale: 1.2, NewRatio: 0.2, Difficulty: types.DifficultyMid, BatchSize: 8, HintLevel: 1}},
	{ID: "mid_steady", Params: types.StrategyParams{IntervalScale: 1.0, NewRatio: 0.3, Difficulty: types.DifficultyMid, BatchSize: 10, HintLevel: 1}},
	{ID: "mid_push", Params: types.StrategyParams{IntervalScale: 0.8, NewRatio: 0.4, Difficulty: types.DifficultyMid, BatchSize: 12, HintLevel: 0}},
	{ID: "hard_gentle", Params: types.StrategyParams{IntervalScale: 1.1, NewRatio: 0.3, Difficulty: types.DifficultyHard, BatchSize: 10, HintLevel: 1}},
	{ID: "hard_steady", Params: types.StrategyParams{IntervalScale: 0.9, NewRatio: 0.4, Difficulty: types.DifficultyHard, BatchSize: 12, HintLevel: 0}},
	{ID: "hard_push", Params: types.StrategyParams{IntervalScale: 0.7, NewRatio: 0.5, Difficulty: types.DifficultyHard, BatchSize: 15, HintLevel: 0}},
}

// ActionCount is the number of arms in the catalog.
func ActionCount() int { return len(actionCatalog) }

// ActionByID returns the catalog entry for an arm, or false.
func ActionByID(id string) (types.StrategyParams, bool) {
	for _, a := range actionCatalog {
		if a.ID == id {
			return a.Params, true
		}
	}
	return types.StrategyParams{}, false
}

// PhaseFor derives the cold-start phase from cumulative interaction count
// against the configured thresholds.
func PhaseFor(interactionCount, classifyUntil, exploreUntil int) types.Phase {
	switch {
	case interactionCount < classifyUntil:
		return types.PhaseClassify
	case interactionCount < exploreUntil:
		return types.PhaseExplore
	default:
		return types.PhaseNormal
	}
}
