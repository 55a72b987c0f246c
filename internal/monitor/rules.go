package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"amas/internal/logging"
	"amas/internal/types"
)

// rulesFile is the on-disk shape of the alert rules document.
type rulesFile struct {
	Rules []types.AlertRule `yaml:"rules"`
}

// DefaultRules returns the built-in rule set used when no rules file is
// configured.
func DefaultRules() []types.AlertRule {
	return []types.AlertRule{
		{
			Name:            "decision_error_rate_high",
			Metric:          MetricDecisionErrorRate,
			Operator:        types.OpGT,
			Threshold:       0.1,
			DurationSec:     120,
			CooldownSec:     300,
			Severity:        types.SeverityP1,
			Enabled:         true,
			MessageTemplate: "decision error rate %.2f exceeds 0.10",
		},
		{
			Name:            "decision_latency_p95_high",
			Metric:          MetricDecisionLatencyP95,
			Operator:        types.OpGT,
			Threshold:       500,
			DurationSec:     300,
			CooldownSec:     600,
			Severity:        types.SeverityP2,
			Enabled:         true,
			MessageTemplate: "decision p95 latency %.0fms exceeds 500ms",
		},
		{
			Name:            "reward_queue_backlog",
			Metric:          MetricRewardQueueDepth,
			Operator:        types.OpGT,
			Threshold:       1000,
			DurationSec:     300,
			CooldownSec:     600,
			Severity:        types.SeverityP2,
			Enabled:         true,
			MessageTemplate: "reward queue backlog %.0f exceeds 1000",
		},
		{
			Name:            "reward_failure_rate_high",
			Metric:          MetricRewardFailureRate,
			Operator:        types.OpGT,
			Threshold:       0.5,
			DurationSec:     120,
			CooldownSec:     300,
			Severity:        types.SeverityP1,
			Enabled:         true,
			MessageTemplate: "delayed reward failure rate %.2f exceeds 0.50",
		},
		{
			Name:            "trace_drop_rate_high",
			Metric:          MetricTraceDropRate,
			Operator:        types.OpGT,
			Threshold:       0.01,
			DurationSec:     120,
			CooldownSec:     600,
			Severity:        types.SeverityP3,
			Enabled:         true,
			MessageTemplate: "trace drop rate %.3f exceeds 0.01",
		},
	}
}

// LoadRules reads and validates an alert rules YAML file. Invalid rules fail
// the whole load so a bad edit never silently disables alerting.
func LoadRules(path string) ([]types.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return doc.Rules, nil
}

func validateRule(r *types.AlertRule) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	switch r.Operator {
	case types.OpGT, types.OpGE, types.OpLT, types.OpLE, types.OpEQ, types.OpNE:
	default:
		return fmt.Errorf("unknown operator %q", r.Operator)
	}
	switch r.Severity {
	case types.SeverityP0, types.SeverityP1, types.SeverityP2, types.SeverityP3:
	default:
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.DurationSec < 0 || r.CooldownSec < 0 {
		return fmt.Errorf("duration and cooldown must be non-negative")
	}
	// The template is rendered with the metric value as its only argument; a
	// trial render catches missing, extra, or mistyped verbs before the rule
	// set goes live.
	if r.MessageTemplate != "" {
		if rendered := fmt.Sprintf(r.MessageTemplate, 0.0); strings.Contains(rendered, "%!") {
			return fmt.Errorf("message template must consume exactly one numeric verb")
		}
	}
	return nil
}

// WatchRules watches the rules file and pushes reloads into the engine.
// Editors and config systems typically replace the file, so the watch is on
// the parent directory filtered to the target name. Returns the watcher for
// the caller to close on shutdown.
func WatchRules(path string, engine *AlertEngine) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				rules, err := LoadRules(path)
				if err != nil {
					// Keep the previous rule set on a bad edit.
					logging.Get(logging.CategoryAlert).Error("Rules reload rejected: %v", err)
					continue
				}
				engine.SetRules(rules)
				logging.Alert("Rules reloaded from %s (%d rules)", path, len(rules))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryAlert).Error("Rules watcher: %v", err)
			}
		}
	}()
	return watcher, nil
}
