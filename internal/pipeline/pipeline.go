// Package pipeline implements the per-event decision path: validate the
// event, update the user's cognitive state, extract features, select a
// strategy through the bandit, emit the immediate reward, persist state, and
// schedule the delayed reward and decision trace.
//
// Calls for the same user are serialized by a keyed mutex; different users
// proceed in parallel. Side-effect enqueue failures (delayed reward, trace)
// are logged and swallowed: the primary ProcessResult always wins.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/fault"
	"amas/internal/feature"
	"amas/internal/logging"
	"amas/internal/store"
	"amas/internal/strategy"
	"amas/internal/types"
)

// RewardScheduler is the delayed-reward enqueue boundary.
type RewardScheduler interface {
	Schedule(ctx context.Context, task *types.DelayedRewardTask) error
}

// TraceSink is the decision-trace enqueue boundary. Record never blocks
// beyond the recorder's backpressure timeout and never returns an error to
// the decision path.
type TraceSink interface {
	Record(trace *types.DecisionTrace)
}

// Metrics is the slice of the collector the pipeline feeds.
type Metrics interface {
	RecordDecisionLatency(d time.Duration)
	IncSuccess()
	IncError()
	IncTimeout()
}

// ReviewSchedule resolves word-level review guidance for due-time
// computation. Implementations live outside the core; NoSchedule is the
// default.
type ReviewSchedule interface {
	// NextReview returns the scheduled next review time and the current
	// interval in days for (user, word). ok=false means no guidance.
	NextReview(ctx context.Context, userID, wordID string) (next time.Time, intervalDays float64, ok bool, err error)
}

// NoSchedule is the null ReviewSchedule.
type NoSchedule struct{}

func (NoSchedule) NextReview(context.Context, string, string) (time.Time, float64, bool, error) {
	return time.Time{}, 0, false, nil
}

// Minimum answer history before the accuracy half of shouldBreak is
// trusted; a brand-new user's first miss is not a break signal.
const minAnswersForBreak = 5

// Pipeline orchestrates one decision per interaction event.
type Pipeline struct {
	store    *store.Store
	selector strategy.Selector
	cache    *strategy.Cache
	rewards  RewardScheduler
	traces   TraceSink
	metrics  Metrics
	schedule ReviewSchedule
	clock    clock.Clock
	ids      clock.IDGenerator
	cfg      config.Config

	userLocks *keyedMutex
}

// Options wires a Pipeline. Nil optional fields fall back to no-ops.
type Options struct {
	Store    *store.Store
	Selector strategy.Selector
	Cache    *strategy.Cache
	Rewards  RewardScheduler
	Traces   TraceSink
	Metrics  Metrics
	Schedule ReviewSchedule
	Clock    clock.Clock
	IDs      clock.IDGenerator
	Config   config.Config
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Schedule == nil {
		opts.Schedule = NoSchedule{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IDs == nil {
		opts.IDs = clock.UUIDGenerator{}
	}
	return &Pipeline{
		store:     opts.Store,
		selector:  opts.Selector,
		cache:     opts.Cache,
		rewards:   opts.Rewards,
		traces:    opts.Traces,
		metrics:   opts.Metrics,
		schedule:  opts.Schedule,
		clock:     opts.Clock,
		ids:       opts.IDs,
		cfg:       opts.Config,
		userLocks: newKeyedMutex(),
	}
}

// ProcessEvent runs the full decision path for one event. sessionID may be
// empty; when present the feature vector is persisted for the delayed-reward
// replay.
func (p *Pipeline) ProcessEvent(ctx context.Context, userID string, event *types.RawEvent, sessionID string) (*types.ProcessResult, error) {
	started := p.clock.Now()

	if err := p.validate(userID, event); err != nil {
		if p.metrics != nil {
			p.metrics.IncError()
		}
		return nil, err
	}

	p.userLocks.Lock(userID)
	defer p.userLocks.Unlock(userID)

	decisionID := p.ids.NewID(clock.PrefixDecision)
	var meta decisionMeta

	result, err := p.process(ctx, userID, event, sessionID, &meta)
	latency := p.clock.Now().Sub(started)

	if p.metrics != nil {
		p.metrics.RecordDecisionLatency(latency)
		switch {
		case err == nil:
			p.metrics.IncSuccess()
		case fault.Is(err, fault.KindTimeout):
			p.metrics.IncTimeout()
		default:
			p.metrics.IncError()
		}
	}

	p.recordTrace(decisionID, sessionID, result, &meta, err)

	if err != nil {
		return nil, err
	}
	logging.Pipeline("Processed event user=%s word=%s reward=%.3f latency=%v",
		userID, event.WordID, result.Reward, latency)
	return result, nil
}

// validate enforces the ingress contract: field ranges plus the timestamp
// skew window [now-24h, now+1h].
func (p *Pipeline) validate(userID string, event *types.RawEvent) error {
	if userID == "" {
		return fault.New(fault.KindInvalidInput, "user_id is required")
	}
	if event == nil {
		return fault.New(fault.KindInvalidInput, "event is required")
	}
	if err := event.Validate(); err != nil {
		return fault.Wrap(err, fault.KindInvalidInput, "invalid event")
	}

	now := p.clock.Now()
	maxAge := time.Duration(p.cfg.Pipeline.MaxEventAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	maxSkew := time.Duration(p.cfg.Pipeline.MaxEventSkewMinute) * time.Minute
	if maxSkew <= 0 {
		maxSkew = time.Hour
	}
	if event.Timestamp.Before(now.Add(-maxAge)) || event.Timestamp.After(now.Add(maxSkew)) {
		return fault.New(fault.KindInvalidInput,
			"event timestamp %s outside acceptable window", event.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// decisionMeta carries intermediate decision artifacts out of process for
// trace recording.
type decisionMeta struct {
	stages   []types.TraceStage
	pred     *strategy.Prediction
	phase    types.Phase
	answerID string
	reward   float64
}

// process runs the staged decision under the per-user lock.
func (p *Pipeline) process(ctx context.Context, userID string, event *types.RawEvent, sessionID string, meta *decisionMeta) (*types.ProcessResult, error) {
	stages := &meta.stages
	var (
		prev   *types.UserState
		stats  *types.UserStats
		next   *types.UserState
		vector *types.FeatureVector
		pred   *strategy.Prediction
		phase  types.Phase
		reward float64
	)

	// 1. Load state, or initialize defaults on first contact.
	if err := p.stage(stages, "load_state", func() error {
		loaded, err := p.store.LoadState(ctx, userID)
		if err != nil {
			return storeFault(err, "failed to load state")
		}
		if loaded == nil {
			loaded = types.DefaultUserState(userID)
		}
		prev = loaded
		return nil
	}); err != nil {
		return nil, err
	}

	// 2. Derive user stats over the recent answer window.
	if err := p.stage(stages, "derive_stats", func() error {
		derived, err := p.store.UserStats(ctx, userID, p.cfg.Pipeline.RecentAnswerWindow)
		if err != nil {
			return storeFault(err, "failed to derive stats")
		}
		stats = derived
		return nil
	}); err != nil {
		return nil, err
	}

	// 3. Deterministic state update.
	p.stage(stages, "update_state", func() error {
		next = UpdateState(prev, event, stats)
		return nil
	})

	// 4. Feature extraction.
	p.stage(stages, "extract_features", func() error {
		vector = feature.Extract(next, event, stats, sessionID, p.clock.Now())
		return nil
	})

	// 5. Strategy selection by cold-start phase.
	if err := p.stage(stages, "select_strategy", func() error {
		phase = strategy.PhaseFor(stats.InteractionCount,
			p.cfg.Strategy.ClassifyUntil, p.cfg.Strategy.ExploreUntil)
		selected, err := p.selector.Predict(vector.Values, phase)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "strategy selection failed")
		}
		pred = selected
		meta.pred = selected
		meta.phase = phase
		return nil
	}); err != nil {
		return nil, err
	}

	// 6. Real-time model update with the immediate reward.
	if err := p.stage(stages, "realtime_update", func() error {
		stabilityDelta := next.Cognition.Stability - prev.Cognition.Stability
		reward = ImmediateReward(event.IsCorrect, event.ResponseTimeMs, stabilityDelta)
		meta.reward = reward
		if err := p.selector.UpdateRealtime(vector.Values, reward); err != nil {
			return fault.Wrap(err, fault.KindInternal, "realtime update failed")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// 7. Persist state, daily rollup, and the answer record atomically. A
	// deadline miss must not commit partial state.
	answerID := p.ids.NewID("ans")
	meta.answerID = answerID
	if err := p.stage(stages, "persist_state", func() error {
		if ctx.Err() != nil {
			return fault.Wrap(ctx.Err(), fault.KindTimeout, "deadline exceeded before persist")
		}
		err := p.store.Transact(ctx, func(tx *sql.Tx) error {
			if err := p.store.SaveStateTx(tx, next); err != nil {
				return err
			}
			return p.store.RecordAnswerTx(tx, answerID, userID, event)
		})
		if err != nil {
			if fault.Is(err, fault.KindTimeout) {
				return err
			}
			return storeFault(err, "state persistence failed")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Feature vector persistence rides outside the state transaction: the
	// decision already stands, so a write failure only degrades the delayed
	// reward to the default features.
	if sessionID != "" {
		p.stage(stages, "persist_features", func() error {
			if err := p.store.SaveFeatureVector(ctx, vector); err != nil {
				logging.Get(logging.CategoryPipeline).Warn("Feature vector persist failed for %s: %v", sessionID, err)
			}
			return nil
		})
	}

	// 8. Cache the selected strategy for quick reads.
	if p.cache != nil {
		p.cache.Put(userID, pred.Action)
	}

	// 9. Schedule the delayed reward. Failure is logged, never surfaced.
	p.stage(stages, "schedule_delayed_reward", func() error {
		p.scheduleDelayedReward(ctx, userID, sessionID, event, reward)
		return nil
	})

	// 10. Assemble the result.
	postAccuracy := accuracyIncluding(stats, event, p.cfg.Pipeline.RecentAnswerWindow)
	shouldBreak := next.Fatigue > 0.8 ||
		(stats.InteractionCount+1 >= minAnswersForBreak && postAccuracy < 0.3)

	score := ScoreSession(stats, next)
	result := &types.ProcessResult{
		State:         next,
		Strategy:      &pred.Action,
		Reward:        reward,
		FeatureVector: vector,
		ShouldBreak:   shouldBreak,
		Explanation: fmt.Sprintf("phase=%s arm=%s source=%s confidence=%.2f score=%d",
			phase, pred.ActionID, pred.Source, pred.Confidence, score.Total),
	}
	return result, nil
}

// stage runs fn as a named trace stage, recording timing and outcome.
func (p *Pipeline) stage(stages *[]types.TraceStage, name string, fn func() error) error {
	start := p.clock.Now()
	err := fn()
	end := p.clock.Now()
	st := types.TraceStage{
		Stage:      name,
		Status:     "ok",
		StartedAt:  start,
		EndedAt:    &end,
		DurationMs: end.Sub(start).Milliseconds(),
	}
	if err != nil {
		st.Status = "error"
		st.Error = err.Error()
	}
	*stages = append(*stages, st)
	return err
}

// scheduleDelayedReward computes the due time and enqueues the task.
func (p *Pipeline) scheduleDelayedReward(ctx context.Context, userID, sessionID string, event *types.RawEvent, reward float64) {
	if p.rewards == nil {
		return
	}
	dueTs := p.computeDue(ctx, userID, event.WordID, event.Timestamp)
	task := &types.DelayedRewardTask{
		ID:             p.ids.NewID(clock.PrefixTask),
		UserID:         userID,
		SessionID:      sessionID,
		DueTs:          dueTs,
		Reward:         reward,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", userID, event.WordID, event.Timestamp.UnixMilli()),
		Status:         types.TaskPending,
	}
	if err := p.rewards.Schedule(ctx, task); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Delayed reward scheduling failed for %s: %v", userID, err)
	}
}

// computeDue resolves the delayed-reward due time, in priority order: the
// word's next review date when it is at least minDelay out; else the current
// interval in days; else the configured default. The floor is always
// eventTs+minDelay.
func (p *Pipeline) computeDue(ctx context.Context, userID, wordID string, eventTs time.Time) time.Time {
	minDelay := time.Duration(p.cfg.RewardQueue.MinDelayMs) * time.Millisecond
	if minDelay <= 0 {
		minDelay = time.Minute
	}
	floor := eventTs.Add(minDelay)

	next, intervalDays, ok, err := p.schedule.NextReview(ctx, userID, wordID)
	if err != nil {
		logging.PipelineDebug("Review schedule lookup failed for %s/%s: %v", userID, wordID, err)
	}
	if err == nil && ok {
		if !next.Before(floor) {
			return next
		}
		if intervalDays > 0 {
			due := eventTs.Add(time.Duration(intervalDays * 86400 * float64(time.Second)))
			if !due.Before(floor) {
				return due
			}
		}
	}

	due := eventTs.Add(time.Duration(p.cfg.RewardQueue.DefaultDelayMs) * time.Millisecond)
	if due.Before(floor) {
		return floor
	}
	return due
}

// recordTrace assembles and enqueues the decision trace. Enqueue is fire and
// forget; the recorder handles its own backpressure.
func (p *Pipeline) recordTrace(decisionID, sessionID string, result *types.ProcessResult, meta *decisionMeta, procErr error) {
	if p.traces == nil {
		return
	}

	trace := &types.DecisionTrace{
		DecisionID:      decisionID,
		AnswerRecordID:  meta.answerID,
		SessionID:       sessionID,
		Timestamp:       p.clock.Now(),
		DecisionSource:  "pipeline",
		Stages:          meta.stages,
		IngestionStatus: types.IngestionSuccess,
	}
	if meta.pred != nil {
		trace.DecisionSource = meta.pred.Source
		trace.Confidence = meta.pred.Confidence
		trace.WeightsSnapshot = meta.pred.WeightsSnapshot
	}
	if result != nil {
		r := meta.reward
		trace.Reward = &r
		trace.SelectedAction = map[string]any{
			"interval_scale": result.Strategy.IntervalScale,
			"new_ratio":      result.Strategy.NewRatio,
			"difficulty":     string(result.Strategy.Difficulty),
			"batch_size":     result.Strategy.BatchSize,
			"hint_level":     result.Strategy.HintLevel,
			"phase":          string(meta.phase),
		}
	} else {
		trace.SelectedAction = map[string]any{"error": procErr.Error()}
	}
	p.traces.Record(trace)
}

// storeFault classifies a store error: a caller deadline miss or cancellation
// surfaces as TIMEOUT so it is counted and retried as one, everything else as
// a DEPENDENCY failure.
func storeFault(err error, format string, args ...any) error {
	kind := fault.KindDependency
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = fault.KindTimeout
	}
	return fault.Wrap(err, kind, format, args...)
}

// accuracyIncluding folds the current event into the windowed accuracy.
func accuracyIncluding(stats *types.UserStats, event *types.RawEvent, window int) float64 {
	if window <= 0 {
		window = 20
	}
	n := stats.InteractionCount
	if n > window {
		n = window
	}
	correct := stats.RecentAccuracy * float64(n)
	if event.IsCorrect {
		correct++
	}
	return correct / float64(n+1)
}

// GetState returns the live state for a user, or defaults when absent.
func (p *Pipeline) GetState(ctx context.Context, userID string) (*types.UserState, error) {
	st, err := p.store.LoadState(ctx, userID)
	if err != nil {
		return nil, storeFault(err, "failed to load state")
	}
	if st == nil {
		return types.DefaultUserState(userID), nil
	}
	return st, nil
}

// GetStrategy returns the cached strategy for a user, or ok=false when the
// cache is cold or expired.
func (p *Pipeline) GetStrategy(userID string) (types.StrategyParams, bool) {
	if p.cache == nil {
		return types.StrategyParams{}, false
	}
	return p.cache.Get(userID)
}

// GetPhase returns the user's current cold-start phase.
func (p *Pipeline) GetPhase(ctx context.Context, userID string) (types.Phase, error) {
	stats, err := p.store.UserStats(ctx, userID, p.cfg.Pipeline.RecentAnswerWindow)
	if err != nil {
		return "", storeFault(err, "failed to derive stats")
	}
	return strategy.PhaseFor(stats.InteractionCount,
		p.cfg.Strategy.ClassifyUntil, p.cfg.Strategy.ExploreUntil), nil
}

// ResetUser removes all state for a user and invalidates the cache.
func (p *Pipeline) ResetUser(ctx context.Context, userID string) error {
	p.userLocks.Lock(userID)
	defer p.userLocks.Unlock(userID)

	if err := p.store.ResetUser(ctx, userID); err != nil {
		return storeFault(err, "failed to reset user")
	}
	if p.cache != nil {
		p.cache.Invalidate(userID)
	}
	logging.Pipeline("Reset user %s", userID)
	return nil
}
