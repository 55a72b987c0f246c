package strategy

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"amas/internal/logging"
	"amas/internal/types"
)

// LinearBandit is a linear contextual bandit over the fixed action catalog.
// Each arm keeps a weight vector; the predicted value of an arm for features
// x is w·x. Normal-phase selection is greedy over predicted value plus a
// UCB-style exploration bonus; the explore phase is epsilon-greedy; the
// classify phase is uniform random.
//
// Updates follow stochastic gradient on squared error with a decaying
// per-arm learning rate, so repeated identical (features, reward) pairs
// converge the arm's prediction monotonically toward the reward.
type LinearBandit struct {
	mu sync.Mutex

	dim     int
	epsilon float64
	lr      float64
	bonus   float64

	weights [][]float64
	pulls   []int64
	total   int64

	// Last arm chosen, remembered so realtime/delayed updates credit the
	// arm that produced the decision.
	lastArm int

	rng *rand.Rand
}

// BanditOptions configures a LinearBandit.
type BanditOptions struct {
	Dim              int
	Epsilon          float64
	LearningRate     float64
	ExplorationBonus float64
	Seed             int64
}

// NewLinearBandit creates a bandit with zeroed weights.
func NewLinearBandit(opts BanditOptions) *LinearBandit {
	if opts.Dim <= 0 {
		opts.Dim = 16
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.1
	}
	if opts.ExplorationBonus < 0 {
		opts.ExplorationBonus = 0
	}
	weights := make([][]float64, len(actionCatalog))
	for i := range weights {
		weights[i] = make([]float64, opts.Dim)
	}
	return &LinearBandit{
		dim:     opts.Dim,
		epsilon: opts.Epsilon,
		lr:      opts.LearningRate,
		bonus:   opts.ExplorationBonus,
		weights: weights,
		pulls:   make([]int64, len(actionCatalog)),
		lastArm: -1,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
}

var _ Selector = (*LinearBandit)(nil)

// Predict selects an arm for the given features and cold-start phase.
func (b *LinearBandit) Predict(features []float64, phase types.Phase) (*Prediction, error) {
	if len(features) != b.dim {
		return nil, fmt.Errorf("feature dimension mismatch: got %d, want %d", len(features), b.dim)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var arm int
	var source string
	switch phase {
	case types.PhaseClassify:
		arm = b.rng.Intn(len(actionCatalog))
		source = "uniform_random"
	case types.PhaseExplore:
		if b.rng.Float64() < b.epsilon {
			arm = b.rng.Intn(len(actionCatalog))
			source = "epsilon_greedy"
		} else {
			arm = b.bestArm(features, false)
			source = "epsilon_greedy"
		}
	default:
		arm = b.bestArm(features, true)
		source = "bandit"
	}

	b.pulls[arm]++
	b.total++
	b.lastArm = arm

	pred := &Prediction{
		Action:          actionCatalog[arm].Params,
		ActionID:        actionCatalog[arm].ID,
		Confidence:      b.confidence(arm, features),
		WeightsSnapshot: b.snapshot(),
		Source:          source,
	}
	logging.Strategy("Predicted arm=%s phase=%s confidence=%.3f source=%s",
		pred.ActionID, phase, pred.Confidence, source)
	return pred, nil
}

// bestArm returns the greedy arm, optionally with the UCB exploration bonus.
func (b *LinearBandit) bestArm(features []float64, withBonus bool) int {
	best, bestScore := 0, math.Inf(-1)
	for i := range actionCatalog {
		score := dot(b.weights[i], features)
		if withBonus && b.bonus > 0 {
			score += b.bonus * math.Sqrt(math.Log(float64(b.total)+2)/float64(b.pulls[i]+1))
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// confidence maps the chosen arm's predicted value to (0,1) via a logistic
// squash, scaled down while the arm is under-sampled.
func (b *LinearBandit) confidence(arm int, features []float64) float64 {
	value := dot(b.weights[arm], features)
	conf := 1.0 / (1.0 + math.Exp(-value))
	coverage := float64(b.pulls[arm]) / float64(b.total+1)
	return types.Clamp01(conf * (0.5 + 0.5*math.Min(1, coverage*float64(len(actionCatalog)))))
}

// UpdateRealtime applies the immediate reward to the last chosen arm.
func (b *LinearBandit) UpdateRealtime(features []float64, reward float64) error {
	return b.update(features, reward)
}

// UpdateDelayed applies a delayed reward correction to the last chosen arm.
// Callers enforce idempotency before invoking this; the model itself treats
// every call as one application.
func (b *LinearBandit) UpdateDelayed(features []float64, reward float64) error {
	return b.update(features, reward)
}

func (b *LinearBandit) update(features []float64, reward float64) error {
	if len(features) != b.dim {
		return fmt.Errorf("feature dimension mismatch: got %d, want %d", len(features), b.dim)
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return fmt.Errorf("reward must be finite, got %v", reward)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	arm := b.lastArm
	if arm < 0 {
		// No decision yet; credit the arm that would be chosen greedily so
		// late-arriving delayed rewards are not dropped on restart.
		arm = b.bestArm(features, false)
	}

	// Decaying step size keeps convergence monotone under repeated
	// identical samples.
	step := b.lr / (1 + 0.01*float64(b.pulls[arm]))
	predicted := dot(b.weights[arm], features)
	errTerm := reward - predicted
	for i, x := range features {
		b.weights[arm][i] += step * errTerm * x
	}

	logging.Strategy("Updated arm=%s reward=%.3f predicted=%.3f step=%.4f",
		actionCatalog[arm].ID, reward, predicted, step)
	return nil
}

// snapshot returns arm -> predicted-weight-norm for tracing.
func (b *LinearBandit) snapshot() map[string]float64 {
	snap := make(map[string]float64, len(actionCatalog))
	for i, a := range actionCatalog {
		snap[a.ID] = l2(b.weights[i])
	}
	return snap
}

func dot(w, x []float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * x[i]
	}
	return s
}

func l2(w []float64) float64 {
	var s float64
	for _, v := range w {
		s += v * v
	}
	return math.Sqrt(s)
}
