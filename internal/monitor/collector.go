// Package monitor implements the metrics collector, health rollup, and the
// threshold alert engine with console and webhook notification channels.
package monitor

import (
	"sort"
	"sync"
	"time"

	"amas/internal/clock"
	"amas/internal/logging"
)

// Metric names surfaced by the collector. Alert rules reference these.
const (
	MetricDecisionLatencyP50 = "decision_latency_p50_ms"
	MetricDecisionLatencyP95 = "decision_latency_p95_ms"
	MetricDecisionLatencyP99 = "decision_latency_p99_ms"
	MetricDecisionLatencyAvg = "decision_latency_avg_ms"
	MetricDecisionSuccess    = "decision_success_total"
	MetricDecisionError      = "decision_error_total"
	MetricDecisionTimeout    = "decision_timeout_total"
	MetricDecisionErrorRate  = "decision_error_rate"
	MetricRewardSuccess      = "reward_success_total"
	MetricRewardFailure      = "reward_failure_total"
	MetricRewardFailureRate  = "reward_failure_rate"
	MetricRewardQueueDepth   = "reward_queue_depth"
	MetricTraceWritten       = "trace_written_total"
	MetricTraceDropped       = "trace_dropped_total"
	MetricTraceWriteFailure  = "trace_write_failure_total"
	MetricTraceDropRate      = "trace_drop_rate"
)

// Health thresholds for the component rollup.
const (
	healthErrorRateDegraded  = 0.1
	healthErrorRateUnhealthy = 0.5
	healthLatencyP95Degraded = 500.0 // ms
	healthQueueDepthDegraded = 1000
	healthDropRateDegraded   = 0.01
)

// Collector aggregates decision, reward-queue, and trace metrics. All
// methods are safe for concurrent use; the hot-path increments are a mutex
// acquisition and a few adds.
type Collector struct {
	clock clock.Clock

	mu sync.Mutex

	// Decision latency sliding window, newest overwrites oldest.
	window []float64 // ms
	widx   int
	wfull  bool

	decisionSuccess int64
	decisionError   int64
	decisionTimeout int64

	rewardSuccess int64
	rewardFailure int64
	queueDepth    int64

	traceWritten      int64
	traceDropped      int64
	traceWriteFailure int64

	startedAt time.Time
}

// NewCollector creates a collector with the given latency window size.
func NewCollector(latencyWindow int, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	if latencyWindow <= 0 {
		latencyWindow = 1000
	}
	return &Collector{
		clock:     clk,
		window:    make([]float64, latencyWindow),
		startedAt: clk.Now(),
	}
}

// RecordDecisionLatency records one decision duration into the window.
func (c *Collector) RecordDecisionLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	c.mu.Lock()
	c.window[c.widx] = ms
	c.widx++
	if c.widx == len(c.window) {
		c.widx = 0
		c.wfull = true
	}
	c.mu.Unlock()
}

// IncSuccess counts one successful decision.
func (c *Collector) IncSuccess() { c.add(&c.decisionSuccess) }

// IncError counts one failed decision.
func (c *Collector) IncError() { c.add(&c.decisionError) }

// IncTimeout counts one deadline-exceeded decision.
func (c *Collector) IncTimeout() { c.add(&c.decisionTimeout) }

// IncRewardSuccess counts one applied delayed reward.
func (c *Collector) IncRewardSuccess() { c.add(&c.rewardSuccess) }

// IncRewardFailure counts one permanently failed delayed reward.
func (c *Collector) IncRewardFailure() { c.add(&c.rewardFailure) }

// SetQueueDepth records the live delayed-reward backlog.
func (c *Collector) SetQueueDepth(depth int64) {
	c.mu.Lock()
	c.queueDepth = depth
	c.mu.Unlock()
}

// IncTraceWritten counts one persisted trace.
func (c *Collector) IncTraceWritten() { c.add(&c.traceWritten) }

// IncTraceDropped counts one trace dropped under backpressure.
func (c *Collector) IncTraceDropped() { c.add(&c.traceDropped) }

// IncTraceWriteFailure counts one trace that exhausted write retries.
func (c *Collector) IncTraceWriteFailure() { c.add(&c.traceWriteFailure) }

func (c *Collector) add(p *int64) {
	c.mu.Lock()
	*p++
	c.mu.Unlock()
}

// Snapshot returns the current metric values. Rates whose denominator is
// zero are omitted rather than reported as 0, so alert rules never see a
// fabricated healthy value.
func (c *Collector) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := map[string]float64{
		MetricDecisionSuccess:   float64(c.decisionSuccess),
		MetricDecisionError:     float64(c.decisionError),
		MetricDecisionTimeout:   float64(c.decisionTimeout),
		MetricRewardSuccess:     float64(c.rewardSuccess),
		MetricRewardFailure:     float64(c.rewardFailure),
		MetricRewardQueueDepth:  float64(c.queueDepth),
		MetricTraceWritten:      float64(c.traceWritten),
		MetricTraceDropped:      float64(c.traceDropped),
		MetricTraceWriteFailure: float64(c.traceWriteFailure),
	}

	if lat := c.latenciesLocked(); len(lat) > 0 {
		sort.Float64s(lat)
		out[MetricDecisionLatencyP50] = percentile(lat, 0.50)
		out[MetricDecisionLatencyP95] = percentile(lat, 0.95)
		out[MetricDecisionLatencyP99] = percentile(lat, 0.99)
		sum := 0.0
		for _, v := range lat {
			sum += v
		}
		out[MetricDecisionLatencyAvg] = sum / float64(len(lat))
	}

	if total := c.decisionSuccess + c.decisionError + c.decisionTimeout; total > 0 {
		out[MetricDecisionErrorRate] = float64(c.decisionError+c.decisionTimeout) / float64(total)
	}
	if total := c.rewardSuccess + c.rewardFailure; total > 0 {
		out[MetricRewardFailureRate] = float64(c.rewardFailure) / float64(total)
	}
	if total := c.traceWritten + c.traceDropped + c.traceWriteFailure; total > 0 {
		out[MetricTraceDropRate] = float64(c.traceDropped+c.traceWriteFailure) / float64(total)
	}
	return out
}

// latenciesLocked copies the populated part of the window. Caller holds mu.
func (c *Collector) latenciesLocked() []float64 {
	n := c.widx
	if c.wfull {
		n = len(c.window)
	}
	if n == 0 {
		return nil
	}
	cp := make([]float64, n)
	copy(cp, c.window[:n])
	return cp
}

// percentile reads the nearest-rank percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Reset zeroes all counters and the latency window. Used by tests and the
// operator reset endpoint.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.window {
		c.window[i] = 0
	}
	c.widx = 0
	c.wfull = false
	c.decisionSuccess = 0
	c.decisionError = 0
	c.decisionTimeout = 0
	c.rewardSuccess = 0
	c.rewardFailure = 0
	c.queueDepth = 0
	c.traceWritten = 0
	c.traceDropped = 0
	c.traceWriteFailure = 0
	c.startedAt = c.clock.Now()
	logging.Monitor("Collector reset")
}

// ComponentHealth is the status of one subsystem.
type ComponentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"` // healthy, degraded, unhealthy
	Detail string `json:"detail,omitempty"`
}

// HealthStatus is the rollup surfaced to operators.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
	UptimeSec  int64             `json:"uptime_sec"`
}

// Health derives the component rollup from the current snapshot. The overall
// status is the worst component status.
func (c *Collector) Health() HealthStatus {
	snap := c.Snapshot()

	c.mu.Lock()
	uptime := int64(c.clock.Now().Sub(c.startedAt).Seconds())
	c.mu.Unlock()

	components := []ComponentHealth{
		pipelineHealth(snap),
		rewardHealth(snap),
		traceHealth(snap),
	}

	worst := "healthy"
	for _, comp := range components {
		if rank(comp.Status) > rank(worst) {
			worst = comp.Status
		}
	}
	return HealthStatus{
		Healthy:    worst == "healthy",
		Status:     worst,
		Components: components,
		UptimeSec:  uptime,
	}
}

func rank(status string) int {
	switch status {
	case "unhealthy":
		return 2
	case "degraded":
		return 1
	default:
		return 0
	}
}

func pipelineHealth(snap map[string]float64) ComponentHealth {
	h := ComponentHealth{Name: "pipeline", Status: "healthy"}
	if rate, ok := snap[MetricDecisionErrorRate]; ok {
		switch {
		case rate > healthErrorRateUnhealthy:
			h.Status = "unhealthy"
			h.Detail = "error rate above 50%"
		case rate > healthErrorRateDegraded:
			h.Status = "degraded"
			h.Detail = "elevated error rate"
		}
	}
	if h.Status == "healthy" {
		if p95, ok := snap[MetricDecisionLatencyP95]; ok && p95 > healthLatencyP95Degraded {
			h.Status = "degraded"
			h.Detail = "p95 latency above 500ms"
		}
	}
	return h
}

func rewardHealth(snap map[string]float64) ComponentHealth {
	h := ComponentHealth{Name: "reward_queue", Status: "healthy"}
	if rate, ok := snap[MetricRewardFailureRate]; ok && rate > healthErrorRateUnhealthy {
		h.Status = "unhealthy"
		h.Detail = "failure rate above 50%"
		return h
	}
	if snap[MetricRewardQueueDepth] > healthQueueDepthDegraded {
		h.Status = "degraded"
		h.Detail = "backlog above 1000 tasks"
	}
	return h
}

func traceHealth(snap map[string]float64) ComponentHealth {
	h := ComponentHealth{Name: "trace", Status: "healthy"}
	if rate, ok := snap[MetricTraceDropRate]; ok && rate > healthDropRateDegraded {
		h.Status = "degraded"
		h.Detail = "traces dropping under backpressure"
	}
	return h
}
