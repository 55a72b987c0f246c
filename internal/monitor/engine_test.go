package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"amas/internal/clock"
	"amas/internal/types"
)

// captureNotifier records every notification it receives.
type captureNotifier struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (n *captureNotifier) Name() string { return "capture" }

func (n *captureNotifier) Notify(a *types.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, *a)
}

func (n *captureNotifier) wait(t *testing.T, count int) []types.Alert {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		got := len(n.alerts)
		n.mu.Unlock()
		if got >= count {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Alert(nil), n.alerts...)
}

func errorRateRule() types.AlertRule {
	return types.AlertRule{
		Name:        "decision_error_rate_high",
		Metric:      MetricDecisionErrorRate,
		Operator:    types.OpGT,
		Threshold:   0.1,
		DurationSec: 120,
		CooldownSec: 300,
		Severity:    types.SeverityP1,
		Enabled:     true,
	}
}

type engineEnv struct {
	engine    *AlertEngine
	collector *Collector
	clk       *clock.Fake
	notifier  *captureNotifier
}

func newEngineEnv(t *testing.T, rules ...types.AlertRule) *engineEnv {
	t.Helper()
	clk := clock.NewFake(testBase)
	collector := NewCollector(100, clk)
	notifier := &captureNotifier{}
	engine := NewAlertEngine(EngineOptions{
		Collector: collector,
		Rules:     rules,
		Interval:  time.Minute,
		Notifiers: []Notifier{notifier},
		Clock:     clk,
		IDs:       &clock.SeqGenerator{},
	})
	return &engineEnv{engine: engine, collector: collector, clk: clk, notifier: notifier}
}

// breach drives the collector to a 50% decision error rate.
func (e *engineEnv) breach() {
	e.collector.IncSuccess()
	e.collector.IncError()
}

// recover drives the error rate back under the threshold.
func (e *engineEnv) recover() {
	e.collector.Reset()
	for i := 0; i < 100; i++ {
		e.collector.IncSuccess()
	}
}

func TestAlertLifecyclePendingFiringResolved(t *testing.T) {
	env := newEngineEnv(t, errorRateRule())

	env.breach()
	env.engine.Evaluate()

	active := env.engine.ActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, types.AlertPending, active[0].Status)
	require.Nil(t, active[0].FiredAt)
	require.Empty(t, env.notifier.wait(t, 0), "pending incidents do not notify")

	// Still breaching after the duration window: fires.
	env.clk.Advance(2 * time.Minute)
	env.engine.Evaluate()

	active = env.engine.ActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, types.AlertFiring, active[0].Status)
	require.NotNil(t, active[0].FiredAt)

	fired := env.notifier.wait(t, 1)
	require.Len(t, fired, 1)
	require.Equal(t, types.AlertFiring, fired[0].Status)
	require.Equal(t, "decision_error_rate_high", fired[0].RuleName)

	// Recovery resolves the incident.
	env.recover()
	env.clk.Advance(time.Minute)
	env.engine.Evaluate()

	require.Empty(t, env.engine.ActiveAlerts())
	both := env.notifier.wait(t, 2)
	require.Len(t, both, 2)
	require.Equal(t, types.AlertResolved, both[1].Status)
	require.NotNil(t, both[1].ResolvedAt)
	require.Equal(t, both[0].ID, both[1].ID, "resolve closes the same incident")

	history := env.engine.History(0)
	require.Len(t, history, 2)
}

func TestPendingRecoveryLeavesNoTrace(t *testing.T) {
	env := newEngineEnv(t, errorRateRule())

	env.breach()
	env.engine.Evaluate()
	require.Len(t, env.engine.ActiveAlerts(), 1)

	// Recovered before the duration elapsed.
	env.recover()
	env.clk.Advance(time.Minute)
	env.engine.Evaluate()

	require.Empty(t, env.engine.ActiveAlerts())
	require.Empty(t, env.engine.History(0), "a pending blip is not an incident")
	require.Empty(t, env.notifier.wait(t, 0))
}

func TestCooldownSuppressesImmediateReincident(t *testing.T) {
	env := newEngineEnv(t, errorRateRule())

	// Full fire + resolve cycle.
	env.breach()
	env.engine.Evaluate()
	env.clk.Advance(2 * time.Minute)
	env.engine.Evaluate()
	env.recover()
	env.clk.Advance(time.Minute)
	env.engine.Evaluate()
	require.Empty(t, env.engine.ActiveAlerts())

	// Breach again within the 300s cooldown: suppressed.
	env.collector.Reset()
	env.breach()
	env.clk.Advance(time.Minute)
	env.engine.Evaluate()
	require.Empty(t, env.engine.ActiveAlerts(), "cooldown must suppress the new incident")

	// After the cooldown a new incident opens with a fresh ID.
	env.clk.Advance(5 * time.Minute)
	env.engine.Evaluate()
	active := env.engine.ActiveAlerts()
	require.Len(t, active, 1)
	history := env.engine.History(0)
	require.NotEqual(t, history[0].ID, active[0].ID)
}

func TestOmittedMetricClearsPendingOnly(t *testing.T) {
	env := newEngineEnv(t, errorRateRule())

	env.breach()
	env.engine.Evaluate()
	require.Len(t, env.engine.ActiveAlerts(), 1)

	// Reset empties the denominator; the metric disappears from the snapshot
	// and the pending streak is lost.
	env.collector.Reset()
	env.clk.Advance(2 * time.Minute)
	env.engine.Evaluate()
	require.Empty(t, env.engine.ActiveAlerts())

	// A firing incident is not resolved by metric absence.
	env.breach()
	env.engine.Evaluate()
	env.clk.Advance(2 * time.Minute)
	env.engine.Evaluate()
	require.Equal(t, types.AlertFiring, env.engine.ActiveAlerts()[0].Status)

	env.collector.Reset()
	env.clk.Advance(time.Minute)
	env.engine.Evaluate()
	active := env.engine.ActiveAlerts()
	require.Len(t, active, 1, "absent metric must not resolve a firing incident")
	require.Equal(t, types.AlertFiring, active[0].Status)
}

func TestDisabledRuleNeverEvaluates(t *testing.T) {
	rule := errorRateRule()
	rule.Enabled = false
	env := newEngineEnv(t, rule)

	env.breach()
	env.engine.Evaluate()
	env.clk.Advance(time.Hour)
	env.engine.Evaluate()
	require.Empty(t, env.engine.ActiveAlerts())
}

func TestZeroDurationFiresImmediately(t *testing.T) {
	rule := errorRateRule()
	rule.DurationSec = 0
	env := newEngineEnv(t, rule)

	env.breach()
	env.engine.Evaluate()
	active := env.engine.ActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, types.AlertFiring, active[0].Status)
}

func TestMessageTemplateRendered(t *testing.T) {
	rule := errorRateRule()
	rule.MessageTemplate = "error rate at %.2f"
	rule.DurationSec = 0
	env := newEngineEnv(t, rule)

	env.breach()
	env.engine.Evaluate()
	got := env.notifier.wait(t, 1)
	require.Len(t, got, 1)
	require.Equal(t, "error rate at 0.50", got[0].Message)
}

func TestSetRulesKeepsStateForSurvivingNames(t *testing.T) {
	env := newEngineEnv(t, errorRateRule())

	env.breach()
	env.engine.Evaluate()
	env.clk.Advance(2 * time.Minute)
	env.engine.Evaluate()
	require.Equal(t, types.AlertFiring, env.engine.ActiveAlerts()[0].Status)

	// Same name, tweaked threshold: the firing incident survives.
	updated := errorRateRule()
	updated.Threshold = 0.05
	env.engine.SetRules([]types.AlertRule{updated})
	require.Len(t, env.engine.ActiveAlerts(), 1)

	// Dropping the rule discards its incident.
	env.engine.SetRules(nil)
	require.Empty(t, env.engine.ActiveAlerts())
}

func TestHistoryBounded(t *testing.T) {
	rule := errorRateRule()
	rule.DurationSec = 0
	rule.CooldownSec = 0
	clk := clock.NewFake(testBase)
	collector := NewCollector(100, clk)
	engine := NewAlertEngine(EngineOptions{
		Collector:   collector,
		Rules:       []types.AlertRule{rule},
		HistorySize: 4,
		Clock:       clk,
		IDs:         &clock.SeqGenerator{},
	})

	for i := 0; i < 10; i++ {
		collector.Reset()
		collector.IncSuccess()
		collector.IncError() // breach: fires immediately
		engine.Evaluate()
		collector.Reset()
		for j := 0; j < 100; j++ {
			collector.IncSuccess()
		}
		clk.Advance(time.Minute)
		engine.Evaluate() // resolve
		clk.Advance(time.Minute)
	}

	require.Len(t, engine.History(0), 4)
	require.Len(t, engine.History(2), 2)
}
