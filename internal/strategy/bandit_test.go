package strategy

import (
	"math"
	"testing"

	"amas/internal/types"
)

func unitFeatures(dim int) []float64 {
	f := make([]float64, dim)
	for i := range f {
		f[i] = 0.5
	}
	return f
}

func TestPredictRejectsDimensionMismatch(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 1})
	if _, err := b.Predict(make([]float64, 4), types.PhaseNormal); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if err := b.UpdateRealtime(make([]float64, 4), 0.5); err == nil {
		t.Fatalf("expected dimension mismatch error on update")
	}
}

func TestUpdateRejectsNonFiniteReward(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 1})
	features := unitFeatures(16)
	if _, err := b.Predict(features, types.PhaseNormal); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if err := b.UpdateDelayed(features, math.NaN()); err == nil {
		t.Fatalf("expected rejection of NaN reward")
	}
	if err := b.UpdateDelayed(features, math.Inf(-1)); err == nil {
		t.Fatalf("expected rejection of -Inf reward")
	}
}

func TestPredictSourceByPhase(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Epsilon: 0.2, Seed: 1})
	features := unitFeatures(16)

	p, err := b.Predict(features, types.PhaseClassify)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p.Source != "uniform_random" {
		t.Fatalf("classify phase source = %q", p.Source)
	}

	p, err = b.Predict(features, types.PhaseExplore)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p.Source != "epsilon_greedy" {
		t.Fatalf("explore phase source = %q", p.Source)
	}

	p, err = b.Predict(features, types.PhaseNormal)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p.Source != "bandit" {
		t.Fatalf("normal phase source = %q", p.Source)
	}
}

func TestPredictionShapeValid(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 7})
	p, err := b.Predict(unitFeatures(16), types.PhaseNormal)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if err := p.Action.Validate(); err != nil {
		t.Fatalf("selected action invalid: %v", err)
	}
	if _, ok := ActionByID(p.ActionID); !ok {
		t.Fatalf("unknown arm %q", p.ActionID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", p.Confidence)
	}
	if len(p.WeightsSnapshot) != ActionCount() {
		t.Fatalf("snapshot covers %d arms, want %d", len(p.WeightsSnapshot), ActionCount())
	}
}

func TestConvergenceMonotoneUnderRepeatedSamples(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 1})
	features := unitFeatures(16)
	const reward = 0.8

	if _, err := b.Predict(features, types.PhaseNormal); err != nil {
		t.Fatalf("predict: %v", err)
	}
	arm := b.lastArm

	prevGap := math.Inf(1)
	for i := 0; i < 50; i++ {
		if err := b.UpdateRealtime(features, reward); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		gap := math.Abs(reward - dot(b.weights[arm], features))
		if gap > prevGap+1e-12 {
			t.Fatalf("step %d moved prediction away from reward: gap %v -> %v", i, prevGap, gap)
		}
		prevGap = gap
	}
	if prevGap > 0.05 {
		t.Fatalf("prediction did not converge: residual gap %v", prevGap)
	}
}

func TestRewardedArmWinsGreedySelection(t *testing.T) {
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 1})
	features := unitFeatures(16)

	// Train the last-predicted arm hard on a positive reward.
	first, err := b.Predict(features, types.PhaseNormal)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := b.UpdateRealtime(features, 1.0); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	// Without the exploration bonus the trained arm must win.
	if got := b.bestArm(features, false); actionCatalog[got].ID != first.ActionID {
		t.Fatalf("greedy selection chose %s, want trained arm %s", actionCatalog[got].ID, first.ActionID)
	}
}

func TestDelayedUpdateWithoutPriorDecision(t *testing.T) {
	// A restarted process may apply a delayed reward before any Predict.
	b := NewLinearBandit(BanditOptions{Dim: 16, Seed: 1})
	if err := b.UpdateDelayed(unitFeatures(16), 0.5); err != nil {
		t.Fatalf("expected late delayed reward to be absorbed, got %v", err)
	}
}

func TestPhaseForBoundaries(t *testing.T) {
	cases := []struct {
		count int
		want  types.Phase
	}{
		{0, types.PhaseClassify},
		{14, types.PhaseClassify},
		{15, types.PhaseExplore},
		{29, types.PhaseExplore},
		{30, types.PhaseNormal},
		{1000, types.PhaseNormal},
	}
	for _, c := range cases {
		if got := PhaseFor(c.count, 15, 30); got != c.want {
			t.Fatalf("PhaseFor(%d) = %s, want %s", c.count, got, c.want)
		}
	}
}

func TestActionCatalogAllValid(t *testing.T) {
	seen := map[string]bool{}
	for _, a := range actionCatalog {
		if seen[a.ID] {
			t.Fatalf("duplicate arm ID %q", a.ID)
		}
		seen[a.ID] = true
		if err := a.Params.Validate(); err != nil {
			t.Fatalf("arm %s invalid: %v", a.ID, err)
		}
	}
}
