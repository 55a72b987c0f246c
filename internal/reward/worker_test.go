package reward

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/feature"
	"amas/internal/store"
	"amas/internal/strategy"
	"amas/internal/types"
)

// recordingSelector captures delayed updates.
type recordingSelector struct {
	mu      sync.Mutex
	updates []appliedUpdate
	err     error
}

type appliedUpdate struct {
	features []float64
	reward   float64
}

func (s *recordingSelector) Predict([]float64, types.Phase) (*strategy.Prediction, error) {
	return nil, errors.New("not used")
}

func (s *recordingSelector) UpdateRealtime([]float64, float64) error { return nil }

func (s *recordingSelector) UpdateDelayed(features []float64, reward float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, appliedUpdate{features: features, reward: reward})
	return nil
}

func (s *recordingSelector) applied() []appliedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appliedUpdate(nil), s.updates...)
}

type workerEnv struct {
	worker  *Worker
	queue   *Queue
	store   *store.Store
	clk     *clock.Fake
	sel     *recordingSelector
	metrics *stubMetrics
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	clk := clock.NewFake(testBase)
	st, err := store.OpenMemory(clk)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig().RewardQueue
	metrics := &stubMetrics{}
	sel := &recordingSelector{}
	q := NewQueue(st, clk, cfg, metrics)
	w := NewWorker(st, sel, q, clk, cfg, time.Minute, metrics)
	return &workerEnv{worker: w, queue: q, store: st, clk: clk, sel: sel, metrics: metrics}
}

func (e *workerEnv) scheduleDue(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, e.queue.Schedule(context.Background(), pendingTask(key)))
}

func storedVector() []float64 {
	values := make([]float64, feature.Dim)
	for i := range values {
		values[i] = float64(i) / float64(feature.Dim)
	}
	return values
}

func TestWorkerAppliesDueTaskExactlyOnce(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveFeatureVector(ctx, &types.FeatureVector{
		SessionID:  "sess1",
		Version:    feature.Version,
		Values:     storedVector(),
		Labels:     feature.Labels(),
		NormMethod: feature.NormMethod,
		Timestamp:  env.clk.Now(),
	}))
	env.scheduleDue(t, "k1")

	// Not yet due: a cycle does nothing.
	env.worker.RunCycle(ctx)
	require.Empty(t, env.sel.applied())

	env.clk.Advance(3 * time.Minute)
	env.worker.RunCycle(ctx)

	applied := env.sel.applied()
	require.Len(t, applied, 1)
	require.Equal(t, storedVector(), applied[0].features,
		"worker must replay the persisted feature vector")
	require.Equal(t, 0.5, applied[0].reward)

	task, err := env.store.GetTaskByKey(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, types.TaskDone, task.Status)
	require.Equal(t, 1, env.metrics.success)

	// A later cycle must not reapply.
	env.clk.Advance(time.Hour)
	env.worker.RunCycle(ctx)
	require.Len(t, env.sel.applied(), 1)
}

func TestWorkerZeroVectorWithoutSession(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	bare := pendingTask("k1")
	bare.SessionID = ""
	require.NoError(t, env.queue.Schedule(ctx, bare))

	env.clk.Advance(3 * time.Minute)
	env.worker.RunCycle(ctx)

	applied := env.sel.applied()
	require.Len(t, applied, 1)
	require.Equal(t, make([]float64, feature.Dim), applied[0].features)
}

func TestWorkerZeroVectorWhenFeatureRowMissing(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1") // session set, but nothing persisted for it
	env.clk.Advance(3 * time.Minute)
	env.worker.RunCycle(ctx)

	applied := env.sel.applied()
	require.Len(t, applied, 1)
	require.Equal(t, make([]float64, feature.Dim), applied[0].features)
}

func TestWorkerModelRejectionFailsTerminally(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.sel.err = errors.New("reward must be finite")
	env.scheduleDue(t, "k1")
	env.clk.Advance(3 * time.Minute)
	env.worker.RunCycle(ctx)

	task, err := env.store.GetTaskByKey(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, task.Status,
		"a model rejection will not improve on retry; fail the task")
	require.Equal(t, 1, env.metrics.failure)

	// It never comes back.
	env.clk.Advance(time.Hour)
	env.worker.RunCycle(ctx)
	require.Equal(t, types.TaskFailed, mustTask(t, env, "k1").Status)
}

func TestWorkerCompletesWhenMarkerAlreadyHeld(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1")
	first, err := env.store.MarkApplied(ctx, "k1")
	require.NoError(t, err)
	require.True(t, first)

	env.clk.Advance(3 * time.Minute)
	env.worker.RunCycle(ctx)

	require.Empty(t, env.sel.applied(), "already-applied task must not update the model again")
	require.Equal(t, types.TaskDone, mustTask(t, env, "k1").Status)
	require.Equal(t, 1, env.metrics.success)
}

func TestWorkerPoisonRewardDropped(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1")
	env.clk.Advance(3 * time.Minute)
	tasks, err := env.store.ClaimDue(ctx, env.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks[0].Reward = math.NaN()
	env.worker.handleTask(ctx, &tasks[0])

	require.Empty(t, env.sel.applied())
	task := mustTask(t, env, "k1")
	require.Equal(t, types.TaskFailed, task.Status)
	require.Equal(t, "INVALID_REWARD", task.LastError)
	require.Equal(t, 1, env.metrics.failure)
}

func TestWorkerRetryBackoff(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1")
	env.clk.Advance(3 * time.Minute)
	tasks, err := env.store.ClaimDue(ctx, env.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].Attempts)

	env.worker.retryOrFail(ctx, &tasks[0], errors.New("store hiccup"))

	task := mustTask(t, env, "k1")
	require.Equal(t, types.TaskPending, task.Status)
	require.Equal(t, "store hiccup", task.LastError)
	require.Equal(t, env.clk.Now().Add(100*time.Millisecond), task.DueTs,
		"attempt 1 backs off base*2")

	// Not reclaimable until the backoff elapses.
	early, err := env.store.ClaimDue(ctx, env.clk.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, early)

	env.clk.Advance(200 * time.Millisecond)
	again, err := env.store.ClaimDue(ctx, env.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
}

func TestWorkerExhaustedAttemptsFail(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1")
	env.clk.Advance(3 * time.Minute)
	tasks, err := env.store.ClaimDue(ctx, env.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks[0].Attempts = env.worker.cfg.MaxAttempts
	env.worker.retryOrFail(ctx, &tasks[0], errors.New("still broken"))

	require.Equal(t, types.TaskFailed, mustTask(t, env, "k1").Status)
	require.Equal(t, 1, env.metrics.failure)
}

func TestWorkerBackoffCapped(t *testing.T) {
	env := newWorkerEnv(t)
	if got := env.worker.backoff(0); got != 50*time.Millisecond {
		t.Fatalf("backoff(0) = %s", got)
	}
	if got := env.worker.backoff(3); got != 400*time.Millisecond {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got := env.worker.backoff(30); got != 60*time.Second {
		t.Fatalf("backoff(30) should cap at 60s, got %s", got)
	}
}

func TestWorkerPublishesQueueDepth(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	env.scheduleDue(t, "k1")
	env.scheduleDue(t, "k2")
	env.worker.RunCycle(ctx) // nothing due yet, both still pending

	env.metrics.mu.Lock()
	depth := env.metrics.depth
	env.metrics.mu.Unlock()
	require.Equal(t, int64(2), depth)
}

func mustTask(t *testing.T, env *workerEnv, key string) *types.DelayedRewardTask {
	t.Helper()
	task, err := env.store.GetTaskByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
