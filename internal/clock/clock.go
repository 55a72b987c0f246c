// Package clock provides the time source and ID generator used across the
// core. Production code takes the real implementations; tests inject fakes so
// due-time scheduling, EMA rollups, and alert durations are deterministic.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the monotonic time source abstraction.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time after d.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall-clock implementation.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires any waiters that came due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []fakeWaiter
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// -----------------------------------------------------------------------------
// ID generation
// -----------------------------------------------------------------------------

// IDGenerator mints unique IDs for tasks, traces, and alert incidents.
type IDGenerator interface {
	NewID(prefix string) string
}

// Well-known ID prefixes.
const (
	PrefixDecision = "dec"
	PrefixTask     = "drt"
	PrefixAlert    = "alr"
)

// UUIDGenerator produces prefixed uuid-v4 identifiers, e.g.
// "drt_7f8a1f0c2e4b4d0f9a3c6b5e8d2f1a0c".
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// SeqGenerator produces deterministic sequential IDs for tests.
type SeqGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *SeqGenerator) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if prefix == "" {
		prefix = "id"
	}
	// Zero padding keeps IDs sortable in test assertions.
	return fmt.Sprintf("%s_%06d", prefix, g.n)
}
