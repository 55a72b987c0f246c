package system

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/feature"
	"amas/internal/store"
	"amas/internal/strategy"
	"amas/internal/types"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testBase)
	st, err := store.OpenMemory(clk)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	svc, err := NewService(cfg, ServiceOptions{
		Clock: clk,
		IDs:   &clock.SeqGenerator{},
		Store: st,
		Selector: strategy.NewLinearBandit(strategy.BanditOptions{
			Dim: feature.Dim, Epsilon: cfg.Strategy.Epsilon, Seed: 1,
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, clk
}

func interactionEvent(clk clock.Clock, wordID string) *types.RawEvent {
	return &types.RawEvent{
		WordID:             wordID,
		IsCorrect:          true,
		ResponseTimeMs:     2500,
		DwellTimeMs:        1200,
		InteractionDensity: 1.0,
		Timestamp:          clk.Now(),
	}
}

func TestServiceDecisionToDelayedReward(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	result, err := svc.ProcessEvent(ctx, "u1", interactionEvent(clk, "w1"), "sess1")
	require.NoError(t, err)
	require.NotNil(t, result.Strategy)

	// The delayed-reward task is durably queued under the deterministic key.
	key := "u1:w1:" + timestampKey(testBase)
	task, err := svc.GetRewardTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, types.TaskPending, task.Status)

	// Drain applies it once due.
	clk.Advance(3 * time.Minute)
	svc.DrainRewards(ctx)

	task, err = svc.GetRewardTask(ctx, key)
	require.NoError(t, err)
	require.Equal(t, types.TaskDone, task.Status)

	snap := svc.Metrics()
	require.Equal(t, 1.0, snap["decision_success_total"])
	require.Equal(t, 1.0, snap["reward_success_total"])
}

func TestServiceStateAndPhaseReads(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	state, err := svc.GetState(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, 0.7, state.Attention, "unseen users read the cold-start defaults")

	phase, err := svc.GetPhase(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, types.PhaseClassify, phase)

	_, err = svc.ProcessEvent(ctx, "u1", interactionEvent(clk, "w1"), "")
	require.NoError(t, err)

	if _, ok := svc.GetStrategy("u1"); !ok {
		t.Fatalf("strategy cache miss right after a decision")
	}

	history, err := svc.GetHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "a decision writes the daily rollup")
}

func TestServiceBatchProcess(t *testing.T) {
	svc, clk := newTestService(t)

	batch := []BatchEvent{
		{UserID: "u1", Event: interactionEvent(clk, "w1")},
		{UserID: "", Event: interactionEvent(clk, "w2")}, // invalid
		{UserID: "u2", Event: interactionEvent(clk, "w3")},
	}
	results := svc.BatchProcess(context.Background(), batch)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err, "one bad entry must not abort the batch")
	require.NoError(t, results[2].Err)
	require.NotNil(t, results[2].Result)
}

func TestServiceResetUser(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.ProcessEvent(ctx, "u1", interactionEvent(clk, "w1"), "")
	require.NoError(t, err)
	require.NoError(t, svc.ResetUser(ctx, "u1"))

	state, err := svc.GetState(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0.7, state.Attention)
	if _, ok := svc.GetStrategy("u1"); ok {
		t.Fatalf("reset must invalidate the strategy cache")
	}
}

func TestServiceHealthAndAlertsEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	health := svc.Health()
	require.True(t, health.Healthy)
	require.Empty(t, svc.ActiveAlerts())
	require.Empty(t, svc.AlertHistory(0))
}

func TestServiceMaintenance(t *testing.T) {
	svc, _ := newTestService(t)

	stats, err := svc.Maintenance(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, stats.RewardTasksPruned)
	require.Zero(t, stats.TracesPruned)
}

// timestampKey renders the millisecond timestamp part of an idempotency key.
func timestampKey(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}
