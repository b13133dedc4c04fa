package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTokenBucket_ConsumesUpToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("Allow(1) #%d = false, want true", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) after capacity exhausted = true, want false")
	}
}

func TestTokenBucket_RefillsAtConfiguredRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 2)

	if !b.Allow(2) {
		t.Fatalf("Allow(2) = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) with empty bucket = true, want false")
	}

	clk.Advance(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("Allow(1) after 500ms at 2 tokens/sec = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) again = true, want false")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(2) {
		t.Fatalf("Allow(2) after long refill = false, want true (clamped to capacity)")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) beyond capacity = true, want false")
	}
}

func TestTokenBucket_TimeGoingBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("Allow(1) = false, want true")
	}

	clk.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("Allow(1) after clock regression = true, want false")
	}
}

func TestTokenBucket_NonPositiveCostAlwaysAllowed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 0, 0)

	if !b.Allow(0) {
		t.Fatalf("Allow(0) = false, want true")
	}
	if !b.Allow(-5) {
		t.Fatalf("Allow(-5) = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) on zero-capacity bucket = true, want false")
	}
}

func TestTokenBucket_HugeCapacitySaturatesInsteadOfOverflowing(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, maxInt64, maxInt64)

	if got := mulTokenToNano(maxInt64); got != maxInt64 {
		t.Fatalf("mulTokenToNano(maxInt64) = %d, want %d", got, maxInt64)
	}
	if !b.Allow(1) {
		t.Fatalf("Allow(1) on saturated bucket = false, want true")
	}
	// A negative availableNanoTokens would reject everything; saturation
	// keeps the bucket usable.
	clk.Advance(time.Hour)
	if !b.Allow(1) {
		t.Fatalf("Allow(1) after refill on saturated bucket = false, want true")
	}
}
