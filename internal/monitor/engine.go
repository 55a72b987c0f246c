package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"amas/internal/clock"
	"amas/internal/logging"
	"amas/internal/types"
)

// AlertEngine evaluates threshold rules against collector snapshots and
// drives each rule's incident through pending, firing, and resolved.
// Resolved is terminal: a later breach opens a new incident with a new ID.
type AlertEngine struct {
	collector *Collector
	clock     clock.Clock
	ids       clock.IDGenerator
	interval  time.Duration
	notifiers []Notifier

	mu          sync.Mutex
	rules       []types.AlertRule
	states      map[string]*ruleState
	history     []types.Alert
	historySize int
}

// ruleState is the per-rule incident tracking.
type ruleState struct {
	active       *types.Alert // pending or firing incident, nil otherwise
	breachSince  time.Time
	lastResolved time.Time
}

// EngineOptions wires an AlertEngine.
type EngineOptions struct {
	Collector   *Collector
	Rules       []types.AlertRule
	Interval    time.Duration
	HistorySize int
	Notifiers   []Notifier
	Clock       clock.Clock
	IDs         clock.IDGenerator
}

// NewAlertEngine creates the engine. Rules default to DefaultRules when nil.
func NewAlertEngine(opts EngineOptions) *AlertEngine {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IDs == nil {
		opts.IDs = clock.UUIDGenerator{}
	}
	return &AlertEngine{
		collector:   opts.Collector,
		clock:       opts.Clock,
		ids:         opts.IDs,
		interval:    opts.Interval,
		notifiers:   opts.Notifiers,
		rules:       opts.Rules,
		states:      make(map[string]*ruleState),
		historySize: opts.HistorySize,
	}
}

// SetRules swaps the rule set. Incident state survives for rules keeping
// their name; state for removed rules is dropped.
func (e *AlertEngine) SetRules(rules []types.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.Name] = true
	}
	for name := range e.states {
		if !keep[name] {
			delete(e.states, name)
		}
	}
	e.rules = rules
}

// Run evaluates rules on the configured interval until ctx is cancelled.
func (e *AlertEngine) Run(ctx context.Context) error {
	logging.Alert("Alert engine started interval=%s rules=%d", e.interval, len(e.rules))
	for {
		select {
		case <-ctx.Done():
			logging.Alert("Alert engine stopped")
			return nil
		case <-e.clock.After(e.interval):
			e.Evaluate()
		}
	}
}

// Evaluate runs one evaluation pass against a fresh snapshot.
func (e *AlertEngine) Evaluate() {
	snap := e.collector.Snapshot()
	now := e.clock.Now()

	var notify []types.Alert

	e.mu.Lock()
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Enabled {
			continue
		}
		value, present := snap[rule.Metric]
		if !present {
			// Omitted metric (zero denominator or no data yet): no breach
			// judgment either way. A pending incident loses its streak.
			if st := e.states[rule.Name]; st != nil && st.active != nil && st.active.Status == types.AlertPending {
				st.active = nil
			}
			continue
		}
		if fired := e.step(rule, value, now); fired != nil {
			notify = append(notify, *fired)
		}
	}
	e.mu.Unlock()

	for i := range notify {
		e.dispatch(&notify[i])
	}
}

// step advances one rule's state machine. Caller holds mu. Returns a copy of
// the alert when a notifiable transition happened.
func (e *AlertEngine) step(rule *types.AlertRule, value float64, now time.Time) *types.Alert {
	st := e.states[rule.Name]
	if st == nil {
		st = &ruleState{}
		e.states[rule.Name] = st
	}

	breach := rule.Operator.Compare(value, rule.Threshold)

	if !breach {
		if st.active == nil {
			return nil
		}
		if st.active.Status == types.AlertPending {
			// Recovered before the duration elapsed: no incident.
			st.active = nil
			return nil
		}
		// Firing incident resolves.
		resolved := now
		st.active.Status = types.AlertResolved
		st.active.ResolvedAt = &resolved
		st.active.LastUpdateAt = now
		st.active.Value = value
		out := *st.active
		e.pushHistory(out)
		st.lastResolved = now
		st.active = nil
		logging.Alert("Resolved %s (%s)", out.RuleName, out.ID)
		return &out
	}

	// Breaching.
	if st.active == nil {
		cooldown := time.Duration(rule.CooldownSec) * time.Second
		if cooldown > 0 && !st.lastResolved.IsZero() && now.Sub(st.lastResolved) < cooldown {
			return nil
		}
		st.breachSince = now
		st.active = &types.Alert{
			ID:           e.ids.NewID(clock.PrefixAlert),
			RuleName:     rule.Name,
			Severity:     rule.Severity,
			Status:       types.AlertPending,
			Value:        value,
			Threshold:    rule.Threshold,
			LastUpdateAt: now,
			Labels:       rule.Labels,
			Message:      renderMessage(rule, value),
		}
	}

	st.active.Value = value
	st.active.Message = renderMessage(rule, value)
	st.active.LastUpdateAt = now

	if st.active.Status == types.AlertPending {
		duration := time.Duration(rule.DurationSec) * time.Second
		if now.Sub(st.breachSince) >= duration {
			fired := now
			st.active.Status = types.AlertFiring
			st.active.FiredAt = &fired
			out := *st.active
			e.pushHistory(out)
			logging.Alert("Firing %s (%s) value=%.4f threshold=%.4f",
				out.RuleName, out.ID, out.Value, out.Threshold)
			return &out
		}
	}
	return nil
}

func renderMessage(rule *types.AlertRule, value float64) string {
	if rule.MessageTemplate != "" {
		return fmt.Sprintf(rule.MessageTemplate, value)
	}
	return fmt.Sprintf("%s: %s %s %.4f (current %.4f)",
		rule.Name, rule.Metric, rule.Operator, rule.Threshold, value)
}

// pushHistory appends into the bounded ring. Caller holds mu.
func (e *AlertEngine) pushHistory(a types.Alert) {
	e.history = append(e.history, a)
	if len(e.history) > e.historySize {
		e.history = e.history[len(e.history)-e.historySize:]
	}
}

// dispatch fans a transition out to every notifier without blocking the
// evaluation loop.
func (e *AlertEngine) dispatch(alert *types.Alert) {
	for _, n := range e.notifiers {
		go func(n Notifier, a types.Alert) {
			n.Notify(&a)
		}(n, *alert)
	}
}

// ActiveAlerts returns copies of all pending and firing incidents.
func (e *AlertEngine) ActiveAlerts() []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.Alert
	for _, st := range e.states {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	return out
}

// History returns the most recent transitions, newest last, capped at limit
// (0 means all retained).
func (e *AlertEngine) History(limit int) []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Alert, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}

// Rules returns a copy of the current rule set.
func (e *AlertEngine) Rules() []types.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.AlertRule, len(e.rules))
	copy(out, e.rules)
	return out
}
