// Package config holds all AMAS configuration: YAML file on disk, overridden
// by environment variables. The environment is the single source of truth for
// deployment-level switches (leader flag, webhook sink, delay floor).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all AMAS configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Leader enables background workers (delayed-reward worker, metrics
	// collector, alert engine). Non-leader instances serve the decision
	// pipeline only.
	Leader bool `yaml:"leader"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Decision pipeline
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Strategy selector
	Strategy StrategyConfig `yaml:"strategy"`

	// Delayed-reward queue
	RewardQueue RewardQueueConfig `yaml:"reward_queue"`

	// Decision-trace recorder
	Trace TraceConfig `yaml:"trace"`

	// Metrics collector
	Monitor MonitorConfig `yaml:"monitor"`

	// Alert engine
	Alert AlertConfig `yaml:"alert"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the sqlite-backed store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Bounded retry for transient transaction errors (busy/locked).
	MaxTxRetries   int    `yaml:"max_tx_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
	BusyTimeoutMs  int    `yaml:"busy_timeout_ms"`
	RetentionDays  int    `yaml:"retention_days"`
	JournalMode    string `yaml:"journal_mode"`
}

// PipelineConfig configures the per-event decision pipeline.
type PipelineConfig struct {
	// Timestamp skew window accepted on ingress.
	MaxEventAgeHours   int `yaml:"max_event_age_hours"`
	MaxEventSkewMinute int `yaml:"max_event_skew_minutes"`
	// Per-event deadline.
	DeadlineMs int `yaml:"deadline_ms"`
	// Range-query window for recent accuracy.
	RecentAnswerWindow int `yaml:"recent_answer_window"`
}

// StrategyConfig configures the contextual-bandit selector.
type StrategyConfig struct {
	// Cold-start phase thresholds by cumulative interaction count.
	ClassifyUntil int `yaml:"classify_until"`
	ExploreUntil  int `yaml:"explore_until"`
	// Exploration rate during the explore phase.
	Epsilon float64 `yaml:"epsilon"`
	// Strategy cache TTL.
	CacheTTL string `yaml:"cache_ttl"`
	// Bandit learning rate and exploration bonus coefficient.
	LearningRate     float64 `yaml:"learning_rate"`
	ExplorationBonus float64 `yaml:"exploration_bonus"`
}

// RewardQueueConfig configures the delayed-reward queue worker.
type RewardQueueConfig struct {
	// Floor on the delay applied when the learning state gives no guidance.
	DefaultDelayMs int64  `yaml:"default_delay_ms"`
	MinDelayMs     int64  `yaml:"min_delay_ms"`
	TickInterval   string `yaml:"tick_interval"`
	ClaimBatch     int    `yaml:"claim_batch"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BackoffBaseMs  int64  `yaml:"backoff_base_ms"`
	BackoffCapMs   int64  `yaml:"backoff_cap_ms"`
	TaskTimeoutMs  int64  `yaml:"task_timeout_ms"`
}

// TraceConfig configures the decision-trace recorder.
type TraceConfig struct {
	QueueCapacity         int    `yaml:"queue_capacity"`
	BackpressureTimeoutMs int64  `yaml:"backpressure_timeout_ms"`
	FlushInterval         string `yaml:"flush_interval"`
	MaxBatch              int    `yaml:"max_batch"`
	MaxRetries            int    `yaml:"max_retries"`
	RetryBaseMs           int64  `yaml:"retry_base_ms"`
}

// MonitorConfig configures the metrics collector.
type MonitorConfig struct {
	LatencyWindow      int    `yaml:"latency_window"`
	CollectionInterval string `yaml:"collection_interval"`
}

// AlertConfig configures the alert engine and its channels.
type AlertConfig struct {
	EvaluationInterval string `yaml:"evaluation_interval"`
	RulesPath          string `yaml:"rules_path"`
	HistorySize        int    `yaml:"history_size"`
	WebhookURL         string `yaml:"webhook_url"`
	WebhookTimeoutMs   int64  `yaml:"webhook_timeout_ms"`
	WebhookMaxRetries  int    `yaml:"webhook_max_retries"`
	// Notifications allowed per channel per minute.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Minimum severity forwarded to the webhook channel.
	WebhookMinSeverity string `yaml:"webhook_min_severity"`
	ConsoleMinSeverity string `yaml:"console_min_severity"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	Dir        string          `yaml:"dir"`
}

// DefaultConfig returns the default configuration with every documented
// default.
func DefaultConfig() *Config {
	return &Config{
		Name:    "amas",
		Version: "1.0.0",
		Leader:  false,

		Store: StoreConfig{
			DatabasePath:   "data/amas.db",
			MaxTxRetries:   3,
			RetryBackoffMs: 50,
			BusyTimeoutMs:  5000,
			RetentionDays:  90,
			JournalMode:    "WAL",
		},

		Pipeline: PipelineConfig{
			MaxEventAgeHours:   24,
			MaxEventSkewMinute: 60,
			DeadlineMs:         5000,
			RecentAnswerWindow: 20,
		},

		Strategy: StrategyConfig{
			ClassifyUntil:    15,
			ExploreUntil:     30,
			Epsilon:          0.2,
			CacheTTL:         "10m",
			LearningRate:     0.1,
			ExplorationBonus: 0.3,
		},

		RewardQueue: RewardQueueConfig{
			DefaultDelayMs: 60000,
			MinDelayMs:     60000,
			TickInterval:   "60s",
			ClaimBatch:     50,
			MaxAttempts:    5,
			BackoffBaseMs:  50,
			BackoffCapMs:   60000,
			TaskTimeoutMs:  10000,
		},

		Trace: TraceConfig{
			QueueCapacity:         1000,
			BackpressureTimeoutMs: 5000,
			FlushInterval:         "1s",
			MaxBatch:              20,
			MaxRetries:            3,
			RetryBaseMs:           50,
		},

		Monitor: MonitorConfig{
			LatencyWindow:      1000,
			CollectionInterval: "60s",
		},

		Alert: AlertConfig{
			EvaluationInterval: "60s",
			RulesPath:          "",
			HistorySize:        256,
			WebhookURL:         "",
			WebhookTimeoutMs:   5000,
			WebhookMaxRetries:  3,
			RatePerMinute:      12,
			WebhookMinSeverity: "P2",
			ConsoleMinSeverity: "P3",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Dir:       "logs",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variables over the loaded file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LEADER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Leader = b
		}
	}
	if v := os.Getenv("DELAYED_REWARD_DELAY_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RewardQueue.DefaultDelayMs = ms
		}
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alert.WebhookURL = v
	}
	if v := os.Getenv("AMAS_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("AMAS_COLLECTION_INTERVAL"); v != "" {
		c.Monitor.CollectionInterval = v
	}
	if v := os.Getenv("AMAS_EVALUATION_INTERVAL"); v != "" {
		c.Alert.EvaluationInterval = v
	}
	if v := os.Getenv("AMAS_ALERT_RULES"); v != "" {
		c.Alert.RulesPath = v
	}
	if v := os.Getenv("AMAS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// runtime misbehavior.
func (c *Config) Validate() error {
	if c.RewardQueue.DefaultDelayMs < 60000 {
		return fmt.Errorf("reward_queue.default_delay_ms must be >= 60000, got %d", c.RewardQueue.DefaultDelayMs)
	}
	if c.RewardQueue.MinDelayMs <= 0 {
		return fmt.Errorf("reward_queue.min_delay_ms must be positive")
	}
	if c.RewardQueue.MaxAttempts <= 0 {
		return fmt.Errorf("reward_queue.max_attempts must be positive")
	}
	if c.Trace.QueueCapacity <= 0 {
		return fmt.Errorf("trace.queue_capacity must be positive")
	}
	if c.Trace.MaxBatch <= 0 {
		return fmt.Errorf("trace.max_batch must be positive")
	}
	if c.Monitor.LatencyWindow <= 0 {
		return fmt.Errorf("monitor.latency_window must be positive")
	}
	if c.Strategy.ClassifyUntil < 0 || c.Strategy.ExploreUntil < c.Strategy.ClassifyUntil {
		return fmt.Errorf("strategy phase thresholds must satisfy 0 <= classify_until <= explore_until")
	}
	if c.Strategy.Epsilon < 0 || c.Strategy.Epsilon > 1 {
		return fmt.Errorf("strategy.epsilon must be in [0,1]")
	}
	if _, err := c.TickInterval(); err != nil {
		return err
	}
	if _, err := c.FlushInterval(); err != nil {
		return err
	}
	if _, err := c.CollectionInterval(); err != nil {
		return err
	}
	if _, err := c.EvaluationInterval(); err != nil {
		return err
	}
	if _, err := c.StrategyCacheTTL(); err != nil {
		return err
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// -----------------------------------------------------------------------------
// Duration accessors
// -----------------------------------------------------------------------------

func parseDuration(field, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return d, nil
}

// TickInterval returns the delayed-reward worker tick interval.
func (c *Config) TickInterval() (time.Duration, error) {
	return parseDuration("reward_queue.tick_interval", c.RewardQueue.TickInterval, 60*time.Second)
}

// FlushInterval returns the trace recorder flush interval.
func (c *Config) FlushInterval() (time.Duration, error) {
	return parseDuration("trace.flush_interval", c.Trace.FlushInterval, time.Second)
}

// CollectionInterval returns the metrics collection tick interval.
func (c *Config) CollectionInterval() (time.Duration, error) {
	return parseDuration("monitor.collection_interval", c.Monitor.CollectionInterval, 60*time.Second)
}

// EvaluationInterval returns the alert evaluation tick interval.
func (c *Config) EvaluationInterval() (time.Duration, error) {
	return parseDuration("alert.evaluation_interval", c.Alert.EvaluationInterval, 60*time.Second)
}

// StrategyCacheTTL returns the per-user strategy cache TTL.
func (c *Config) StrategyCacheTTL() (time.Duration, error) {
	return parseDuration("strategy.cache_ttl", c.Strategy.CacheTTL, 10*time.Minute)
}
