// Package trace implements the asynchronous decision-trace recorder: a
// bounded queue between the decision pipeline and the sqlite trace tables.
// The decision path never fails because tracing is slow; under sustained
// backpressure traces are dropped with a counter, never blocking beyond the
// configured timeout.
package trace

import (
	"context"
	"sync"
	"time"

	"amas/internal/clock"
	"amas/internal/config"
	"amas/internal/logging"
	"amas/internal/store"
	"amas/internal/types"
)

// Metrics is the slice of the collector the recorder feeds.
type Metrics interface {
	IncTraceWritten()
	IncTraceDropped()
	IncTraceWriteFailure()
}

// Recorder buffers decision traces and flushes them to the store in batches.
type Recorder struct {
	store   *store.Store
	clock   clock.Clock
	cfg     config.TraceConfig
	flush   time.Duration
	metrics Metrics

	ch chan *types.DecisionTrace

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewRecorder creates a trace recorder. Run must be started for traces to
// reach the store.
func NewRecorder(st *store.Store, clk clock.Clock, cfg config.TraceConfig, flush time.Duration, metrics Metrics) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	if flush <= 0 {
		flush = time.Second
	}
	return &Recorder{
		store:   st,
		clock:   clk,
		cfg:     cfg,
		flush:   flush,
		metrics: metrics,
		ch:      make(chan *types.DecisionTrace, capacity),
	}
}

// Record enqueues a trace. When the queue is full it waits up to the
// backpressure timeout, then drops the trace, bumps the drop counter, and
// leaves a best-effort failure marker so the decision ID is still findable.
func (r *Recorder) Record(trace *types.DecisionTrace) {
	if trace == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	select {
	case r.ch <- trace:
		return
	default:
	}

	timeout := time.Duration(r.cfg.BackpressureTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case r.ch <- trace:
	case <-r.clock.After(timeout):
		r.drop(trace)
	}
}

func (r *Recorder) drop(trace *types.DecisionTrace) {
	r.mu.Lock()
	r.dropped++
	n := r.dropped
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncTraceDropped()
	}
	logging.Get(logging.CategoryTrace).Warn("Dropped trace %s under backpressure (total dropped %d)",
		trace.DecisionID, n)

	// Best effort: a marker row is cheap and keeps the decision auditable.
	// It rides on its own goroutine so a slow store cannot hold the caller
	// past the backpressure timeout it already paid.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.store.UpsertFailureMarker(ctx, trace.DecisionID, trace.Timestamp); err != nil {
			logging.Get(logging.CategoryTrace).Error("Failure marker for %s: %v", trace.DecisionID, err)
		}
	}()
}

// Dropped reports the total traces dropped under backpressure.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Depth reports the current queue occupancy.
func (r *Recorder) Depth() int { return len(r.ch) }

// Run drains the queue until ctx is cancelled, then flushes everything still
// buffered before returning.
func (r *Recorder) Run(ctx context.Context) error {
	logging.Trace("Trace recorder started capacity=%d batch=%d flush=%s",
		cap(r.ch), r.maxBatch(), r.flush)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case first := <-r.ch:
			batch := r.fillBatch(first)
			r.writeBatch(ctx, batch)
		case <-r.clock.After(r.flush):
			// Periodic sweep; picks up traces that arrived while a previous
			// batch was flushing.
			if batch := r.drainAvailable(); len(batch) > 0 {
				r.writeBatch(ctx, batch)
			}
		}
	}
}

// shutdown marks the recorder closed and flushes the remaining backlog.
func (r *Recorder) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	remaining := r.drainAvailable()
	for len(remaining) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.writeBatch(ctx, remaining)
		cancel()
		remaining = r.drainAvailable()
	}
	logging.Trace("Trace recorder stopped, dropped=%d", r.Dropped())
}

// fillBatch extends a started batch with whatever is immediately available,
// up to the batch cap.
func (r *Recorder) fillBatch(first *types.DecisionTrace) []*types.DecisionTrace {
	batch := []*types.DecisionTrace{first}
	for len(batch) < r.maxBatch() {
		select {
		case t := <-r.ch:
			batch = append(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) drainAvailable() []*types.DecisionTrace {
	var batch []*types.DecisionTrace
	for len(batch) < r.maxBatch() {
		select {
		case t := <-r.ch:
			batch = append(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) maxBatch() int {
	if r.cfg.MaxBatch <= 0 {
		return 20
	}
	return r.cfg.MaxBatch
}

// writeBatch persists a batch, each trace independently with bounded retry.
func (r *Recorder) writeBatch(ctx context.Context, batch []*types.DecisionTrace) {
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(t *types.DecisionTrace) {
			defer wg.Done()
			r.writeOne(ctx, t)
		}(t)
	}
	wg.Wait()
}

// writeOne upserts a single trace with exponential-backoff retry; after the
// final attempt it records a failure marker.
func (r *Recorder) writeOne(ctx context.Context, t *types.DecisionTrace) {
	retries := r.cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	base := time.Duration(r.cfg.RetryBaseMs) * time.Millisecond
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-r.clock.After(base << (attempt - 1)):
			}
		}
		if err = r.store.UpsertTrace(ctx, t); err == nil {
			if r.metrics != nil {
				r.metrics.IncTraceWritten()
			}
			return
		}
	}

	if r.metrics != nil {
		r.metrics.IncTraceWriteFailure()
	}
	logging.Get(logging.CategoryTrace).Error("Trace %s write failed after retries: %v", t.DecisionID, err)
	if mErr := r.store.UpsertFailureMarker(ctx, t.DecisionID, t.Timestamp); mErr != nil {
		logging.Get(logging.CategoryTrace).Error("Failure marker for %s: %v", t.DecisionID, mErr)
	}
}
