package strategy

import (
	"testing"
	"time"

	"amas/internal/clock"
	"amas/internal/types"
)

func TestCachePutGetInvalidate(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCache(10*time.Minute, clk)

	if _, ok := c.Get("u1"); ok {
		t.Fatalf("empty cache returned a hit")
	}

	params := types.StrategyParams{IntervalScale: 1, NewRatio: 0.3, Difficulty: types.DifficultyMid, BatchSize: 10}
	c.Put("u1", params)

	got, ok := c.Get("u1")
	if !ok || got != params {
		t.Fatalf("expected cached params, got %+v ok=%v", got, ok)
	}

	c.Invalidate("u1")
	if _, ok := c.Get("u1"); ok {
		t.Fatalf("invalidated entry still readable")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCache(10*time.Minute, clk)
	c.Put("u1", types.StrategyParams{IntervalScale: 1, Difficulty: types.DifficultyEasy, BatchSize: 5})

	clk.Advance(10 * time.Minute)
	if _, ok := c.Get("u1"); !ok {
		t.Fatalf("entry expired exactly at the TTL boundary; expiry is exclusive")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get("u1"); ok {
		t.Fatalf("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted on read, len=%d", c.Len())
	}
}

func TestCachePutRefreshesTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCache(10*time.Minute, clk)
	params := types.StrategyParams{IntervalScale: 1, Difficulty: types.DifficultyHard, BatchSize: 12}

	c.Put("u1", params)
	clk.Advance(9 * time.Minute)
	c.Put("u1", params)
	clk.Advance(9 * time.Minute)

	if _, ok := c.Get("u1"); !ok {
		t.Fatalf("re-put should have refreshed the TTL window")
	}
}
