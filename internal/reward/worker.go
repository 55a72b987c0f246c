package reward

import (
	"context"
	"math"
	"time"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/feature"
	"amas/internal/logging"
	"amas/internal/store"
	"amas/internal/strategy"
	"amas/internal/types"
)

// Worker drains the delayed-reward queue. Leader-only: exactly one live
// worker per database. It wakes on the tick interval or an enqueue kick,
// claims due tasks in batches, and applies each at most once through the
// reward_applied marker.
type Worker struct {
	store    *store.Store
	selector strategy.Selector
	queue    *Queue
	clock    clock.Clock
	cfg      config.RewardQueueConfig
	tick     time.Duration
	metrics  Metrics
}

// NewWorker creates the worker side of the queue.
func NewWorker(st *store.Store, sel strategy.Selector, q *Queue, clk clock.Clock, cfg config.RewardQueueConfig, tick time.Duration, metrics Metrics) *Worker {
	if clk == nil {
		clk = clock.Real{}
	}
	if tick <= 0 {
		tick = 60 * time.Second
	}
	return &Worker{
		store:    st,
		selector: sel,
		queue:    q,
		clock:    clk,
		cfg:      cfg,
		tick:     tick,
		metrics:  metrics,
	}
}

// Run processes the queue until ctx is cancelled. One cycle runs immediately
// on start to drain any backlog left by a previous instance.
func (w *Worker) Run(ctx context.Context) error {
	logging.Reward("Delayed-reward worker started tick=%s batch=%d", w.tick, w.cfg.ClaimBatch)
	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Reward("Delayed-reward worker stopped")
			return nil
		case <-w.clock.After(w.tick):
		case <-w.queue.Kick():
		}
		w.runCycle(ctx)
	}
}

// RunCycle claims and processes one batch. Exported for tests and for the
// operator-driven drain path.
func (w *Worker) RunCycle(ctx context.Context) { w.runCycle(ctx) }

func (w *Worker) runCycle(ctx context.Context) {
	now := w.clock.Now()
	tasks, err := w.store.ClaimDue(ctx, now, w.cfg.ClaimBatch)
	if err != nil {
		logging.Get(logging.CategoryReward).Error("Claim failed: %v", err)
		return
	}
	if len(tasks) > 0 {
		logging.RewardDebug("Claimed %d due tasks", len(tasks))
	}
	for i := range tasks {
		w.handleTask(ctx, &tasks[i])
	}
	w.publishDepth(ctx)
}

// handleTask applies one claimed task under the per-task timeout.
func (w *Worker) handleTask(ctx context.Context, task *types.DelayedRewardTask) {
	timeout := time.Duration(w.cfg.TaskTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if math.IsNaN(task.Reward) || math.IsInf(task.Reward, 0) {
		// Poison task: a non-finite reward can never succeed.
		if err := w.store.FailTask(ctx, task.ID, "INVALID_REWARD"); err != nil {
			logging.Get(logging.CategoryReward).Error("Fail transition for %s: %v", task.ID, err)
		}
		if w.metrics != nil {
			w.metrics.IncRewardFailure()
		}
		logging.Get(logging.CategoryReward).Warn("Dropped task %s: non-finite reward", task.ID)
		return
	}

	// The marker is taken before the model update, so a crash between the two
	// loses this one correction instead of double-counting it on redelivery.
	// The in-memory model tolerates a missing update far better than a
	// duplicate one.
	first, err := w.store.MarkApplied(taskCtx, task.IdempotencyKey)
	if err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}
	if first {
		// Model-update errors are validation failures and will not improve
		// on retry; the marker already holds, so fail the task terminally
		// rather than complete-without-applying on the next attempt.
		features := w.resolveFeatures(taskCtx, task)
		if err := w.selector.UpdateDelayed(features, task.Reward); err != nil {
			if fErr := w.store.FailTask(ctx, task.ID, err.Error()); fErr != nil {
				logging.Get(logging.CategoryReward).Error("Fail transition for %s: %v", task.ID, fErr)
			}
			if w.metrics != nil {
				w.metrics.IncRewardFailure()
			}
			logging.Get(logging.CategoryReward).Warn("Task %s model update rejected: %v", task.ID, err)
			return
		}
	} else {
		// Applied by an earlier attempt that died before completing.
		logging.RewardDebug("Task %s already applied, completing", task.ID)
	}

	if err := w.store.CompleteTask(ctx, task.ID); err != nil {
		// The reward is already applied and the marker holds; a retry will
		// observe it and just complete.
		logging.Get(logging.CategoryReward).Error("Complete failed for %s: %v", task.ID, err)
		w.retryOrFail(ctx, task, err)
		return
	}
	if w.metrics != nil {
		w.metrics.IncRewardSuccess()
	}
	logging.RewardDebug("Applied task %s user=%s reward=%.3f attempt=%d",
		task.ID, task.UserID, task.Reward, task.Attempts)
}

// resolveFeatures loads the persisted vector for the task's session, falling
// back to the zero vector when absent or unreadable. The decision already
// happened; degraded features only soften the correction.
func (w *Worker) resolveFeatures(ctx context.Context, task *types.DelayedRewardTask) []float64 {
	if task.SessionID == "" {
		return make([]float64, feature.Dim)
	}
	v, err := w.store.LoadFeatureVector(ctx, task.SessionID, 0)
	if err != nil {
		logging.Get(logging.CategoryReward).Warn("Feature load failed for %s: %v", task.SessionID, err)
		return make([]float64, feature.Dim)
	}
	if v == nil || len(v.Values) != feature.Dim {
		return make([]float64, feature.Dim)
	}
	return v.Values
}

// retryOrFail releases the task for a later attempt with exponential backoff,
// or marks it FAILED once attempts are exhausted.
func (w *Worker) retryOrFail(ctx context.Context, task *types.DelayedRewardTask, cause error) {
	if task.Attempts >= w.cfg.MaxAttempts {
		if err := w.store.FailTask(ctx, task.ID, cause.Error()); err != nil {
			logging.Get(logging.CategoryReward).Error("Fail transition for %s: %v", task.ID, err)
		}
		if w.metrics != nil {
			w.metrics.IncRewardFailure()
		}
		logging.Get(logging.CategoryReward).Warn("Task %s failed permanently after %d attempts: %v",
			task.ID, task.Attempts, cause)
		return
	}

	nextDue := w.clock.Now().Add(w.backoff(task.Attempts))
	if err := w.store.ReleaseTask(ctx, task.ID, cause.Error(), nextDue); err != nil {
		logging.Get(logging.CategoryReward).Error("Release for %s: %v", task.ID, err)
		return
	}
	logging.RewardDebug("Task %s released for retry %d at %s: %v",
		task.ID, task.Attempts+1, nextDue.Format(time.RFC3339), cause)
}

// backoff computes min(cap, base*2^attempts).
func (w *Worker) backoff(attempts int) time.Duration {
	base := w.cfg.BackoffBaseMs
	if base <= 0 {
		base = 50
	}
	capMs := w.cfg.BackoffCapMs
	if capMs <= 0 {
		capMs = 60000
	}
	ms := base
	for i := 0; i < attempts && ms < capMs; i++ {
		ms *= 2
	}
	if ms > capMs {
		ms = capMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (w *Worker) publishDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	counts, err := w.store.CountTasksByStatus(ctx)
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(counts[types.TaskPending] + counts[types.TaskProcessing])
}
