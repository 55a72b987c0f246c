package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"amas/internal/clock"
	"amas/internal/logging"
	"amas/internal/types"
)

// Notifier delivers one alert transition to a destination. Implementations
// must tolerate being called concurrently and must never block the engine
// for long; slow transports do their own retries and give up.
type Notifier interface {
	Name() string
	Notify(alert *types.Alert)
}

// -----------------------------------------------------------------------------
// Console channel
// -----------------------------------------------------------------------------

// ANSI colors per severity.
var severityColors = map[types.Severity]string{
	types.SeverityP0: "\033[1;31m", // bold red
	types.SeverityP1: "\033[31m",   // red
	types.SeverityP2: "\033[33m",   // yellow
	types.SeverityP3: "\033[36m",   // cyan
}

const colorReset = "\033[0m"

// ConsoleChannel writes alert transitions to stderr with severity coloring.
type ConsoleChannel struct {
	out         io.Writer
	minSeverity types.Severity
}

// NewConsoleChannel creates the stderr channel filtered to the minimum
// severity.
func NewConsoleChannel(minSeverity types.Severity) *ConsoleChannel {
	return &ConsoleChannel{out: os.Stderr, minSeverity: minSeverity}
}

func (c *ConsoleChannel) Name() string { return "console" }

// Notify prints one line per transition.
func (c *ConsoleChannel) Notify(alert *types.Alert) {
	if !alert.Severity.AtLeast(c.minSeverity) {
		return
	}
	color := severityColors[alert.Severity]
	fmt.Fprintf(c.out, "%s[ALERT][%s][%s]%s %s: %s (value=%.4f threshold=%.4f)\n",
		color, alert.Severity, alert.Status, colorReset,
		alert.RuleName, alert.Message, alert.Value, alert.Threshold)
}

// -----------------------------------------------------------------------------
// Webhook channel
// -----------------------------------------------------------------------------

// WebhookChannel POSTs alert transitions as JSON. All deliveries share one
// per-channel rate budget so flapping rules cannot flood the sink.
type WebhookChannel struct {
	url         string
	client      *http.Client
	limiter     *catrate.Limiter
	maxRetries  int
	minSeverity types.Severity
	clock       clock.Clock
}

// WebhookOptions configures the webhook channel.
type WebhookOptions struct {
	URL           string
	Timeout       time.Duration
	MaxRetries    int
	RatePerMinute int
	MinSeverity   types.Severity
	Clock         clock.Clock
}

// NewWebhookChannel creates the webhook channel. A nil return means no URL
// was configured.
func NewWebhookChannel(opts WebhookOptions) *WebhookChannel {
	if opts.URL == "" {
		return nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 12
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &WebhookChannel{
		url:         opts.URL,
		client:      &http.Client{Timeout: opts.Timeout},
		limiter:     catrate.NewLimiter(map[time.Duration]int{time.Minute: opts.RatePerMinute}),
		maxRetries:  opts.MaxRetries,
		minSeverity: opts.MinSeverity,
		clock:       opts.Clock,
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// webhookPayload is the wire shape of one delivery. firedAt and resolvedAt
// carry the transition times so a resolution is distinguishable from its
// fire.
type webhookPayload struct {
	ID         string            `json:"id"`
	RuleName   string            `json:"ruleName"`
	Severity   types.Severity    `json:"severity"`
	Status     types.AlertStatus `json:"status"`
	Message    string            `json:"message"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Labels     map[string]string `json:"labels,omitempty"`
	FiredAt    *time.Time        `json:"firedAt,omitempty"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
}

// Notify delivers one transition, retrying transient failures with backoff.
func (w *WebhookChannel) Notify(alert *types.Alert) {
	if !alert.Severity.AtLeast(w.minSeverity) {
		return
	}
	if _, ok := w.limiter.Allow(w.Name()); !ok {
		logging.Get(logging.CategoryAlert).Warn("Webhook rate limited, dropping %s for rule %s",
			alert.Status, alert.RuleName)
		return
	}

	body, err := json.Marshal(webhookPayload{
		ID:         alert.ID,
		RuleName:   alert.RuleName,
		Severity:   alert.Severity,
		Status:     alert.Status,
		Message:    alert.Message,
		Value:      alert.Value,
		Threshold:  alert.Threshold,
		Labels:     alert.Labels,
		FiredAt:    alert.FiredAt,
		ResolvedAt: alert.ResolvedAt,
	})
	if err != nil {
		logging.Get(logging.CategoryAlert).Error("Webhook payload for %s: %v", alert.ID, err)
		return
	}

	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			<-w.clock.After(time.Duration(500*(1<<(attempt-1))) * time.Millisecond)
		}
		delivered, retry := w.post(body)
		if delivered {
			return
		}
		if !retry {
			break
		}
	}
	logging.Get(logging.CategoryAlert).Error("Webhook delivery failed for alert %s", alert.ID)
}

// post attempts one delivery. retry reports whether another attempt could
// succeed; 4xx responses other than 429 will not improve.
func (w *WebhookChannel) post(body []byte) (delivered, retry bool) {
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Get(logging.CategoryAlert).Warn("Webhook POST: %v", err)
		return false, true
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, false
	}
	logging.Get(logging.CategoryAlert).Warn("Webhook POST status %d", resp.StatusCode)
	return false, resp.StatusCode >= 500 || resp.StatusCode == 429
}
