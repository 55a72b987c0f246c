// Package system assembles the AMAS core: it wires the store, strategy
// selector, decision pipeline, delayed-reward queue, trace recorder, and
// monitoring into one Service, and supervises the background workers.
package system

import (
	"context"
	"time"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/fault"
	"amas/internal/feature"
	"amas/internal/logging"
	"amas/internal/monitor"
	"amas/internal/pipeline"
	"amas/internal/reward"
	"amas/internal/store"
	"amas/internal/strategy"
	"amas/internal/trace"
	"amas/internal/types"
)

// Service is the operator-facing facade over the assembled core. All methods
// are safe for concurrent use.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	selector  strategy.Selector
	cache     *strategy.Cache
	pipeline  *pipeline.Pipeline
	queue     *reward.Queue
	worker    *reward.Worker
	recorder  *trace.Recorder
	collector *monitor.Collector
	engine    *monitor.AlertEngine
	clock     clock.Clock
}

// ServiceOptions allows tests to substitute pieces; zero values take the
// production defaults.
type ServiceOptions struct {
	Clock    clock.Clock
	IDs      clock.IDGenerator
	Selector strategy.Selector
	Schedule pipeline.ReviewSchedule
	Store    *store.Store
}

// NewService builds the core from configuration.
func NewService(cfg *config.Config, opts ServiceOptions) (*Service, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}

	st := opts.Store
	if st == nil {
		opened, err := store.Open(cfg.Store, clk)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindDependency, "failed to open store")
		}
		st = opened
	}

	sel := opts.Selector
	if sel == nil {
		sel = strategy.NewLinearBandit(strategy.BanditOptions{
			Dim:              feature.Dim,
			Epsilon:          cfg.Strategy.Epsilon,
			LearningRate:     cfg.Strategy.LearningRate,
			ExplorationBonus: cfg.Strategy.ExplorationBonus,
		})
	}

	ttl, err := cfg.StrategyCacheTTL()
	if err != nil {
		return nil, err
	}
	cache := strategy.NewCache(ttl, clk)

	collector := monitor.NewCollector(cfg.Monitor.LatencyWindow, clk)

	flush, err := cfg.FlushInterval()
	if err != nil {
		return nil, err
	}
	recorder := trace.NewRecorder(st, clk, cfg.Trace, flush, collector)

	queue := reward.NewQueue(st, clk, cfg.RewardQueue, collector)

	tick, err := cfg.TickInterval()
	if err != nil {
		return nil, err
	}
	worker := reward.NewWorker(st, sel, queue, clk, cfg.RewardQueue, tick, collector)

	rules := monitor.DefaultRules()
	if cfg.Alert.RulesPath != "" {
		loaded, err := monitor.LoadRules(cfg.Alert.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	evalInterval, err := cfg.EvaluationInterval()
	if err != nil {
		return nil, err
	}
	var notifiers []monitor.Notifier
	notifiers = append(notifiers, monitor.NewConsoleChannel(types.Severity(cfg.Alert.ConsoleMinSeverity)))
	if webhook := monitor.NewWebhookChannel(monitor.WebhookOptions{
		URL:           cfg.Alert.WebhookURL,
		Timeout:       time.Duration(cfg.Alert.WebhookTimeoutMs) * time.Millisecond,
		MaxRetries:    cfg.Alert.WebhookMaxRetries,
		RatePerMinute: cfg.Alert.RatePerMinute,
		MinSeverity:   types.Severity(cfg.Alert.WebhookMinSeverity),
		Clock:         clk,
	}); webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	engine := monitor.NewAlertEngine(monitor.EngineOptions{
		Collector:   collector,
		Rules:       rules,
		Interval:    evalInterval,
		HistorySize: cfg.Alert.HistorySize,
		Notifiers:   notifiers,
		Clock:       clk,
		IDs:         ids,
	})

	pipe := pipeline.New(pipeline.Options{
		Store:    st,
		Selector: sel,
		Cache:    cache,
		Rewards:  queue,
		Traces:   recorder,
		Metrics:  collector,
		Schedule: opts.Schedule,
		Clock:    clk,
		IDs:      ids,
		Config:   *cfg,
	})

	return &Service{
		cfg:       cfg,
		store:     st,
		selector:  sel,
		cache:     cache,
		pipeline:  pipe,
		queue:     queue,
		worker:    worker,
		recorder:  recorder,
		collector: collector,
		engine:    engine,
		clock:     clk,
	}, nil
}

// Close releases the store. Background workers are owned by the Supervisor.
func (s *Service) Close() error {
	return s.store.Close()
}

// -----------------------------------------------------------------------------
// Operator API
// -----------------------------------------------------------------------------

// ProcessEvent runs one interaction event through the decision pipeline.
func (s *Service) ProcessEvent(ctx context.Context, userID string, event *types.RawEvent, sessionID string) (*types.ProcessResult, error) {
	deadline := time.Duration(s.cfg.Pipeline.DeadlineMs) * time.Millisecond
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	return s.pipeline.ProcessEvent(ctx, userID, event, sessionID)
}

// BatchResult pairs one batch entry with its outcome.
type BatchResult struct {
	Index  int                  `json:"index"`
	Result *types.ProcessResult `json:"result,omitempty"`
	Err    error                `json:"-"`
}

// BatchEvent is one entry of a batch submission.
type BatchEvent struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id,omitempty"`
	Event     *types.RawEvent `json:"event"`
}

// BatchProcess runs a batch of events sequentially in submission order.
// Per-user ordering inside the batch is preserved; one failing event does
// not abort the rest.
func (s *Service) BatchProcess(ctx context.Context, events []BatchEvent) []BatchResult {
	out := make([]BatchResult, len(events))
	for i, be := range events {
		res, err := s.ProcessEvent(ctx, be.UserID, be.Event, be.SessionID)
		out[i] = BatchResult{Index: i, Result: res, Err: err}
	}
	return out
}

// GetState returns the user's live cognitive state (defaults when unseen).
func (s *Service) GetState(ctx context.Context, userID string) (*types.UserState, error) {
	return s.pipeline.GetState(ctx, userID)
}

// GetStrategy returns the cached strategy for a user, or ok=false.
func (s *Service) GetStrategy(userID string) (types.StrategyParams, bool) {
	return s.pipeline.GetStrategy(userID)
}

// GetPhase returns the user's cold-start phase.
func (s *Service) GetPhase(ctx context.Context, userID string) (types.Phase, error) {
	return s.pipeline.GetPhase(ctx, userID)
}

// GetHistory returns the daily state rollups, newest first.
func (s *Service) GetHistory(ctx context.Context, userID string, limit int) ([]types.StateHistory, error) {
	return s.store.GetHistory(ctx, userID, limit)
}

// ResetUser deletes all persisted state for a user.
func (s *Service) ResetUser(ctx context.Context, userID string) error {
	return s.pipeline.ResetUser(ctx, userID)
}

// ScheduleReward enqueues a delayed-reward task directly. Used by callers
// that compute rewards outside the decision pipeline.
func (s *Service) ScheduleReward(ctx context.Context, task *types.DelayedRewardTask) error {
	return s.queue.Schedule(ctx, task)
}

// DrainRewards runs one claim-and-apply cycle immediately, regardless of the
// tick. Operator tooling uses this to flush a backlog.
func (s *Service) DrainRewards(ctx context.Context) {
	s.worker.RunCycle(ctx)
}

// GetRewardTask looks a task up by idempotency key.
func (s *Service) GetRewardTask(ctx context.Context, idempotencyKey string) (*types.DelayedRewardTask, error) {
	return s.store.GetTaskByKey(ctx, idempotencyKey)
}

// GetTrace fetches one decision trace with its stages.
func (s *Service) GetTrace(ctx context.Context, decisionID string) (*types.DecisionTrace, error) {
	return s.store.GetTrace(ctx, decisionID)
}

// Metrics returns the current metric snapshot.
func (s *Service) Metrics() map[string]float64 {
	return s.collector.Snapshot()
}

// Health returns the component health rollup.
func (s *Service) Health() monitor.HealthStatus {
	return s.collector.Health()
}

// ActiveAlerts returns pending and firing incidents.
func (s *Service) ActiveAlerts() []types.Alert {
	return s.engine.ActiveAlerts()
}

// AlertHistory returns recent alert transitions, newest last.
func (s *Service) AlertHistory(limit int) []types.Alert {
	return s.engine.History(limit)
}

// Maintenance prunes finished tasks and old traces per retention config.
func (s *Service) Maintenance(ctx context.Context, vacuum bool) (store.MaintenanceStats, error) {
	stats, err := s.store.MaintenanceCleanup(ctx, vacuum)
	if err != nil {
		return stats, err
	}
	logging.Boot("Maintenance pruned tasks=%d traces=%d", stats.RewardTasksPruned, stats.TracesPruned)
	return stats, nil
}
