package types

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// AMAS CORE ENTITIES
// =============================================================================
//
// Shared data model for the adaptive scheduling core. These types cross
// package boundaries (pipeline, strategy, reward queue, trace recorder,
// monitoring) and are kept dependency-free so every internal package can
// import them without cycles.

// -----------------------------------------------------------------------------
// Cognitive state
// -----------------------------------------------------------------------------

// Cognition holds the per-dimension cognitive scores, each clamped to [0,1].
type Cognition struct {
	Memory    float64 `json:"memory"`
	Speed     float64 `json:"speed"`
	Stability float64 `json:"stability"`
}

// UserState is the live cognitive state snapshot for one user.
// Exactly one live row per user; mutated only by the decision pipeline
// under per-user serialization.
type UserState struct {
	UserID     string    `json:"user_id"`
	Attention  float64   `json:"attention"`
	Fatigue    float64   `json:"fatigue"`
	Motivation float64   `json:"motivation"`
	Cognition  Cognition `json:"cognition"`
	Trend      string    `json:"trend"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DefaultUserState returns the cold-start state used when a user has no
// persisted snapshot yet.
func DefaultUserState(userID string) *UserState {
	return &UserState{
		UserID:     userID,
		Attention:  0.7,
		Fatigue:    0.2,
		Motivation: 0.6,
		Cognition:  Cognition{Memory: 0.5, Speed: 0.5, Stability: 0.5},
		Trend:      "stable",
	}
}

// Clamp forces every scalar into [0,1]. Called before every persist so the
// clamping invariant holds for all stored rows.
func (s *UserState) Clamp() {
	s.Attention = Clamp01(s.Attention)
	s.Fatigue = Clamp01(s.Fatigue)
	s.Motivation = Clamp01(s.Motivation)
	s.Cognition.Memory = Clamp01(s.Cognition.Memory)
	s.Cognition.Speed = Clamp01(s.Cognition.Speed)
	s.Cognition.Stability = Clamp01(s.Cognition.Stability)
}

// Clone returns a deep copy so callers can mutate without racing the cache.
func (s *UserState) Clone() *UserState {
	cp := *s
	return &cp
}

// Clamp01 clamps v into [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StateHistory is the daily EMA rollup of UserState, one row per
// (userID, UTC date).
type StateHistory struct {
	UserID     string    `json:"user_id"`
	Date       string    `json:"date"` // UTC day, YYYY-MM-DD
	Attention  float64   `json:"attention"`
	Fatigue    float64   `json:"fatigue"`
	Motivation float64   `json:"motivation"`
	Cognition  Cognition `json:"cognition"`
	TrendState string    `json:"trend_state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Raw interaction event
// -----------------------------------------------------------------------------

// RawEvent is one user interaction (an "answer"). Transient: validated,
// consumed by the pipeline, never stored as such.
type RawEvent struct {
	WordID             string    `json:"word_id"`
	IsCorrect          bool      `json:"is_correct"`
	ResponseTimeMs     int64     `json:"response_time_ms"`
	DwellTimeMs        int64     `json:"dwell_time_ms"`
	PauseCount         int       `json:"pause_count"`
	SwitchCount        int       `json:"switch_count"`
	RetryCount         int       `json:"retry_count"`
	FocusLossMs        int64     `json:"focus_loss_ms"`
	InteractionDensity float64   `json:"interaction_density"`
	Timestamp          time.Time `json:"timestamp"`
}

// Validate enforces the event field contract. The timestamp skew window is
// checked by the pipeline against its clock, not here.
func (e *RawEvent) Validate() error {
	if e.WordID == "" {
		return fmt.Errorf("word_id is required")
	}
	if e.ResponseTimeMs <= 0 {
		return fmt.Errorf("response_time_ms must be positive, got %d", e.ResponseTimeMs)
	}
	if e.DwellTimeMs < 0 {
		return fmt.Errorf("dwell_time_ms must be non-negative, got %d", e.DwellTimeMs)
	}
	if e.PauseCount < 0 || e.SwitchCount < 0 || e.RetryCount < 0 {
		return fmt.Errorf("pause/switch/retry counts must be non-negative")
	}
	if e.FocusLossMs < 0 {
		return fmt.Errorf("focus_loss_ms must be non-negative, got %d", e.FocusLossMs)
	}
	if e.InteractionDensity <= 0 || math.IsNaN(e.InteractionDensity) || math.IsInf(e.InteractionDensity, 0) {
		return fmt.Errorf("interaction_density must be positive and finite")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Feature vector
// -----------------------------------------------------------------------------

// FeatureVector is the deterministic vectorization of (event, state, stats).
// (SessionID, Version) is unique; the delayed-reward handler reads it back
// by latest version for the session.
type FeatureVector struct {
	SessionID  string    `json:"session_id"`
	Version    int       `json:"version"`
	Values     []float64 `json:"values"`
	Labels     []string  `json:"labels"`
	NormMethod string    `json:"norm_method"`
	Timestamp  time.Time `json:"ts"`
}

// -----------------------------------------------------------------------------
// Strategy
// -----------------------------------------------------------------------------

// Difficulty is the discrete difficulty band of a strategy.
type Difficulty string

const (
	DifficultyEasy Difficulty = "easy"
	DifficultyMid  Difficulty = "mid"
	DifficultyHard Difficulty = "hard"
)

// Valid reports whether d is one of the known bands.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMid, DifficultyHard:
		return true
	}
	return false
}

// StrategyParams is the action emitted per event: the knobs of the
// learning-session scheduler.
type StrategyParams struct {
	IntervalScale float64    `json:"interval_scale"` // >0, multiplies the review interval
	NewRatio      float64    `json:"new_ratio"`      // [0,1], share of new words
	Difficulty    Difficulty `json:"difficulty"`
	BatchSize     int        `json:"batch_size"` // 1..N
	HintLevel     int        `json:"hint_level"` // 0..K
}

// Validate enforces the strategy field contract.
func (p *StrategyParams) Validate() error {
	if p.IntervalScale <= 0 {
		return fmt.Errorf("interval_scale must be positive, got %g", p.IntervalScale)
	}
	if p.NewRatio < 0 || p.NewRatio > 1 {
		return fmt.Errorf("new_ratio must be in [0,1], got %g", p.NewRatio)
	}
	if !p.Difficulty.Valid() {
		return fmt.Errorf("unknown difficulty %q", p.Difficulty)
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", p.BatchSize)
	}
	if p.HintLevel < 0 {
		return fmt.Errorf("hint_level must be >= 0, got %d", p.HintLevel)
	}
	return nil
}

// Phase is the cold-start phase derived from cumulative interaction count.
type Phase string

const (
	PhaseClassify Phase = "classify"
	PhaseExplore  Phase = "explore"
	PhaseNormal   Phase = "normal"
)

// ProcessResult is the synchronous outcome of one decision.
type ProcessResult struct {
	State         *UserState      `json:"state"`
	Strategy      *StrategyParams `json:"strategy"`
	Reward        float64         `json:"reward"` // [-1,1], finite
	FeatureVector *FeatureVector  `json:"feature_vector,omitempty"`
	ShouldBreak   bool            `json:"should_break"`
	Explanation   string          `json:"explanation"`
}

// -----------------------------------------------------------------------------
// Delayed reward queue
// -----------------------------------------------------------------------------

// TaskStatus is the delayed-reward task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskDone       TaskStatus = "DONE"
	TaskFailed     TaskStatus = "FAILED"
)

// DelayedRewardTask is one scheduled reward correction. At most one non-DONE
// row per idempotency key; transitions are monotone except the
// PROCESSING→PENDING retry path.
type DelayedRewardTask struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id,omitempty"`
	DueTs          time.Time  `json:"due_ts"`
	Reward         float64    `json:"reward"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Decision trace
// -----------------------------------------------------------------------------

// IngestionStatus marks whether a trace row reflects a fully recorded
// decision or a best-effort failure marker.
type IngestionStatus string

const (
	IngestionSuccess IngestionStatus = "SUCCESS"
	IngestionFailed  IngestionStatus = "FAILED"
)

// TraceStage is one named step of the decision pipeline.
type TraceStage struct {
	Stage      string     `json:"stage"`
	Status     string     `json:"status"` // ok, error
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// DecisionTrace is the full record of one decision, upserted by decisionID.
type DecisionTrace struct {
	DecisionID      string             `json:"decision_id"`
	AnswerRecordID  string             `json:"answer_record_id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	DecisionSource  string             `json:"decision_source"`
	WeightsSnapshot map[string]float64 `json:"weights_snapshot,omitempty"`
	MemberVotes     map[string]float64 `json:"member_votes,omitempty"`
	SelectedAction  map[string]any     `json:"selected_action"`
	Confidence      float64            `json:"confidence"`
	Reward          *float64           `json:"reward,omitempty"`
	Stages          []TraceStage       `json:"stages"`
	IngestionStatus IngestionStatus    `json:"ingestion_status"`
}

// -----------------------------------------------------------------------------
// Monitoring and alerting
// -----------------------------------------------------------------------------

// MetricSample is one observed value of a named metric.
type MetricSample struct {
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Severity orders alert priority: P0 is most severe.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Rank maps severity to a comparable integer; lower means more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	default:
		return 4
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() <= min.Rank()
}

// Operator is a threshold comparison operator.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Compare applies the operator to (value, threshold).
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	default:
		return false
	}
}

// AlertRule is one threshold rule with duration and cooldown semantics.
type AlertRule struct {
	Name               string            `yaml:"name" json:"name"`
	Metric             string            `yaml:"metric" json:"metric"`
	Operator           Operator          `yaml:"operator" json:"operator"`
	Threshold          float64           `yaml:"threshold" json:"threshold"`
	DurationSec        int               `yaml:"duration" json:"duration"`
	CooldownSec        int               `yaml:"cooldown" json:"cooldown"`
	Severity           Severity          `yaml:"severity" json:"severity"`
	Enabled            bool              `yaml:"enabled" json:"enabled"`
	Labels             map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	MessageTemplate    string            `yaml:"message,omitempty" json:"message,omitempty"`
	ConsecutivePeriods int               `yaml:"consecutive_periods,omitempty" json:"consecutive_periods,omitempty"`
}

// AlertStatus is the alert incident lifecycle state.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is one incident for one rule. Resolved is terminal; a later breach
// starts a new incident with a new ID.
type Alert struct {
	ID           string            `json:"id"`
	RuleName     string            `json:"rule_name"`
	Severity     Severity          `json:"severity"`
	Status       AlertStatus       `json:"status"`
	Value        float64           `json:"value"`
	Threshold    float64           `json:"threshold"`
	FiredAt      *time.Time        `json:"fired_at,omitempty"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	LastUpdateAt time.Time         `json:"last_update_at"`
	Labels       map[string]string `json:"labels,omitempty"`
	Message      string            `json:"message"`
}

// -----------------------------------------------------------------------------
// Derived user stats
// -----------------------------------------------------------------------------

// UserStats summarizes a user's recent interaction history, derived by
// indexed range query over answer records.
type UserStats struct {
	UserID           string  `json:"user_id"`
	InteractionCount int     `json:"interaction_count"`
	RecentAccuracy   float64 `json:"recent_accuracy"` // over last 20 answers
	RecentAvgMs      float64 `json:"recent_avg_ms"`
}
