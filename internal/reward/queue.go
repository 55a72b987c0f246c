// Package reward implements the delayed-reward queue: durable enqueue with
// idempotency, and the leader-only worker that claims due tasks, replays the
// stored feature vector through the selector, and applies the correction
// exactly once.
package reward

import (
	"context"
	"math"
	"time"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/fault"
	"amas/internal/logging"
	"amas/internal/store"
	"amas/internal/types"
)

// Metrics is the slice of the collector the queue feeds.
type Metrics interface {
	IncRewardSuccess()
	IncRewardFailure()
	SetQueueDepth(pending int64)
}

// Queue is the enqueue side of the delayed-reward machinery. It is safe for
// concurrent use; the worker side lives in Worker.
type Queue struct {
	store   *store.Store
	clock   clock.Clock
	cfg     config.RewardQueueConfig
	metrics Metrics

	// kick wakes the worker early when a task lands. Buffered size 1: a
	// pending kick absorbs all further kicks until the worker drains it.
	kick chan struct{}
}

// NewQueue creates the enqueue side.
func NewQueue(st *store.Store, clk clock.Clock, cfg config.RewardQueueConfig, metrics Metrics) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{
		store:   st,
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		kick:    make(chan struct{}, 1),
	}
}

// Schedule validates and durably enqueues a delayed-reward task. Re-enqueue
// under the same idempotency key is a no-op returning success. The due time
// is floored to now+min_delay.
func (q *Queue) Schedule(ctx context.Context, task *types.DelayedRewardTask) error {
	if task == nil {
		return fault.New(fault.KindInvalidInput, "task is required")
	}
	if task.UserID == "" || task.IdempotencyKey == "" {
		return fault.New(fault.KindInvalidInput, "user_id and idempotency_key are required")
	}
	if math.IsNaN(task.Reward) || math.IsInf(task.Reward, 0) {
		return fault.New(fault.KindInvalidInput, "reward must be finite, got %g", task.Reward)
	}
	if task.Reward < -1 {
		task.Reward = -1
	} else if task.Reward > 1 {
		task.Reward = 1
	}

	floor := q.clock.Now().Add(q.minDelay())
	if task.DueTs.Before(floor) {
		task.DueTs = floor
	}
	task.Status = types.TaskPending

	stored, created, err := q.store.EnqueueTask(ctx, task)
	if err != nil {
		return fault.Wrap(err, fault.KindDependency, "failed to enqueue delayed reward")
	}
	if !created {
		logging.RewardDebug("Enqueue deduplicated key=%s existing=%s", task.IdempotencyKey, stored.ID)
		return nil
	}
	logging.Reward("Enqueued task %s user=%s due=%s", stored.ID, stored.UserID, stored.DueTs.Format(time.RFC3339))

	// Wake the worker without blocking the decision path.
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return nil
}

// Kick returns the worker wake channel.
func (q *Queue) Kick() <-chan struct{} { return q.kick }

func (q *Queue) minDelay() time.Duration {
	if q.cfg.MinDelayMs <= 0 {
		return time.Minute
	}
	return time.Duration(q.cfg.MinDelayMs) * time.Millisecond
}
