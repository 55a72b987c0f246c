// Package logging provides config-driven categorized file-based logging for
// the AMAS core. Logs are written to the configured directory with separate
// files per category. When debug mode is off every call is a silent no-op so
// the hot decision path pays only a flag check.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	// Core categories
	CategoryBoot     Category = "boot"     // Startup/shutdown lifecycle
	CategoryStore    Category = "store"    // SQLite store operations
	CategoryPipeline Category = "pipeline" // Per-event decision pipeline
	CategoryStrategy Category = "strategy" // Bandit selection and updates
	CategoryReward   Category = "reward"   // Delayed-reward queue worker
	CategoryTrace    Category = "trace"    // Decision-trace recorder
	CategoryMonitor  Category = "monitor"  // Metrics collector
	CategoryAlert    Category = "alert"    // Alert engine and channels
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Options controls logger behavior, mirroring config.LoggingConfig without
// importing it (avoids a config->logging->config cycle).
type Options struct {
	DebugMode  bool
	Level      string // debug, info, warn, error
	Categories map[string]bool
	Dir        string
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	opts     Options
	logLevel = LevelInfo
	enabled  bool
)

// Initialize sets up the logging directory from options. Should be called
// once at startup; subsequent calls reconfigure (used by tests).
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	// Close any loggers from a previous configuration.
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)

	opts = o
	enabled = o.DebugMode
	logLevel = parseLevel(o.Level)

	if !enabled {
		return nil // silent no-op in production mode
	}
	if o.Dir == "" {
		return fmt.Errorf("logging dir required when debug mode is on")
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := get(CategoryBoot)
	boot.Info("=== AMAS logging initialized ===")
	boot.Info("Logs directory: %s", o.Dir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// Shutdown flushes and closes all open log files.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Sync()
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	enabled = false
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	return get(category)
}

// get assumes mu is held.
func get(category Category) *Logger {
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}
	if enabled && categoryEnabled(category) {
		path := filepath.Join(opts.Dir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		} else {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[category] = l
	return l
}

func categoryEnabled(category Category) bool {
	if len(opts.Categories) == 0 {
		return true
	}
	on, listed := opts.Categories[string(category)]
	if !listed {
		return true
	}
	return on
}

func (l *Logger) write(level int, levelTag, format string, args ...any) {
	if l == nil || l.logger == nil || level < logLevel {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("[%s] [%s] [%s] %s", ts, levelTag, l.category, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }

// -----------------------------------------------------------------------------
// Category shorthands (info level)
// -----------------------------------------------------------------------------

// Boot logs to the boot category.
func Boot(format string, args ...any) { Get(CategoryBoot).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs to the store category at debug level.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Pipeline logs to the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs to the pipeline category at debug level.
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }

// Strategy logs to the strategy category.
func Strategy(format string, args ...any) { Get(CategoryStrategy).Info(format, args...) }

// Reward logs to the reward category.
func Reward(format string, args ...any) { Get(CategoryReward).Info(format, args...) }

// RewardDebug logs to the reward category at debug level.
func RewardDebug(format string, args ...any) { Get(CategoryReward).Debug(format, args...) }

// Trace logs to the trace category.
func Trace(format string, args ...any) { Get(CategoryTrace).Info(format, args...) }

// Monitor logs to the monitor category.
func Monitor(format string, args ...any) { Get(CategoryMonitor).Info(format, args...) }

// Alert logs to the alert category.
func Alert(format string, args ...any) { Get(CategoryAlert).Info(format, args...) }

// -----------------------------------------------------------------------------
// Timers
// -----------------------------------------------------------------------------

// Timer measures the duration of an operation and logs slow ones.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing a named operation.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time at debug level, warning above 100ms.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > 100*time.Millisecond {
		l.Warn("%s took %v (slow)", t.name, elapsed)
		return
	}
	l.Debug("%s took %v", t.name, elapsed)
}
