// Package store implements the transactional persistence layer for the AMAS
// core on SQLite: user cognitive state with daily EMA rollups, answer
// records, feature vectors, the delayed-reward queue, and decision traces.
//
// One *sql.DB is shared by every typed accessor. Writes that must be atomic
// go through Transact, which retries transient busy/locked errors with
// bounded exponential backoff.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/fault"
	"amas/internal/logging"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db    *sql.DB
	path  string
	clock clock.Clock
	cfg   config.StoreConfig
}

// Open initializes the SQLite database at the configured path.
func Open(cfg config.StoreConfig, clk clock.Clock) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	path := cfg.DatabasePath
	logging.Store("Opening store at %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := cfg.BusyTimeoutMs
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	journal := cfg.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	if _, err := db.Exec("PRAGMA journal_mode = " + journal); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=%s: %v", journal, err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, path: path, clock: clk, cfg: cfg}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(clk clock.Clock) (*Store, error) {
	cfg := config.DefaultConfig().Store
	cfg.DatabasePath = ":memory:"
	return Open(cfg, clk)
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	for _, ddl := range []string{
		userStateSchema,
		stateHistorySchema,
		answerRecordSchema,
		featureVectorSchema,
		rewardTaskSchema,
		rewardAppliedSchema,
		decisionTraceSchema,
	} {
		if _, err := s.db.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.Store("Closing store at %s", s.path)
	return s.db.Close()
}

// DB exposes the raw handle for maintenance queries in tests.
func (s *Store) DB() *sql.DB { return s.db }

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// Transact runs fn inside a transaction, retrying transient busy/locked
// failures with bounded exponential backoff. Non-transient errors roll back
// and surface immediately.
func (s *Store) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	maxRetries := s.cfg.MaxTxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := time.Duration(s.cfg.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fault.Wrap(ctx.Err(), fault.KindTimeout, "transaction cancelled during retry")
			case <-time.After(backoff << (attempt - 1)):
			}
			logging.StoreDebug("Retrying transaction (attempt %d/%d): %v", attempt, maxRetries, lastErr)
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}
	return fault.Wrap(lastErr, fault.KindTransient, "transaction failed after %d retries", maxRetries)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isTransient classifies retryable store errors: lock contention and pool
// waits (the sqlite equivalents of connection-pool wait / deadlock).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if fault.Is(err, fault.KindTransient) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted")
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// MaintenanceStats summarizes a cleanup pass.
type MaintenanceStats struct {
	RewardTasksPruned int64
	TracesPruned      int64
	Vacuumed          bool
}

// MaintenanceCleanup prunes terminal reward tasks and old traces past the
// retention window, then optionally vacuums.
func (s *Store) MaintenanceCleanup(ctx context.Context, vacuum bool) (MaintenanceStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MaintenanceCleanup")
	defer timer.Stop()

	var stats MaintenanceStats
	retention := s.cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	cutoff := s.clock.Now().AddDate(0, 0, -retention)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reward_tasks
		WHERE status IN ('DONE','FAILED') AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("failed to prune reward tasks: %w", err)
	}
	stats.RewardTasksPruned, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM decision_traces WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("failed to prune traces: %w", err)
	}
	stats.TracesPruned, _ = res.RowsAffected()

	if vacuum {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			logging.Get(logging.CategoryStore).Warn("VACUUM failed: %v", err)
		} else {
			stats.Vacuumed = true
		}
	}

	logging.Store("Maintenance cleanup: pruned %d reward tasks, %d traces",
		stats.RewardTasksPruned, stats.TracesPruned)
	return stats, nil
}
