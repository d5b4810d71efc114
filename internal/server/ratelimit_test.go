package server

import (
	"net"
	"testing"
	"time"
)

func TestRateLimiterAllowsUnderThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newSourceRateLimiter(func() time.Time { return now }, 5, 100)
	src := net.ParseIP("192.168.1.10")

	for i := 0; i < 5; i++ {
		if !rl.allow(src) {
			t.Fatalf("query %d should be allowed under threshold", i)
		}
	}
}

func TestRateLimiterDropsOverThresholdThenCoolsDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newSourceRateLimiter(func() time.Time { return now }, 3, 100)
	src := net.ParseIP("192.168.1.10")

	for i := 0; i < 3; i++ {
		if !rl.allow(src) {
			t.Fatalf("query %d should be allowed", i)
		}
	}
	if rl.allow(src) {
		t.Fatal("4th query within the same window should be dropped")
	}

	now = now.Add(rateLimitCooldown - time.Second)
	if rl.allow(src) {
		t.Error("still within cooldown, should remain dropped")
	}

	now = now.Add(2 * time.Second)
	if !rl.allow(src) {
		t.Error("after cooldown expires, source should be allowed again")
	}
}

func TestRateLimiterWindowResetsAfterOneSecond(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newSourceRateLimiter(func() time.Time { return now }, 2, 100)
	src := net.ParseIP("192.168.1.20")

	rl.allow(src)
	rl.allow(src)
	now = now.Add(2 * time.Second)
	if !rl.allow(src) {
		t.Error("a new sliding window should reset the count and allow the query")
	}
}

func TestRateLimiterTracksSourcesIndependently(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newSourceRateLimiter(func() time.Time { return now }, 1, 100)

	a := net.ParseIP("192.168.1.1")
	b := net.ParseIP("192.168.1.2")

	if !rl.allow(a) {
		t.Fatal("first query from a should be allowed")
	}
	if rl.allow(a) {
		t.Fatal("second query from a should exceed threshold of 1")
	}
	if !rl.allow(b) {
		t.Error("a different source should not be affected by a's rate limit")
	}
}

func TestRateLimiterEvictsOldestWhenFull(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newSourceRateLimiter(func() time.Time { return now }, 100, 2)

	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	c := net.ParseIP("10.0.0.3")

	rl.allow(a)
	now = now.Add(time.Millisecond)
	rl.allow(b)
	now = now.Add(time.Millisecond)
	rl.allow(c) // map already at maxEntries=2, should evict a (oldest)

	if len(rl.sources) > 2 {
		t.Fatalf("sources map len = %d, want at most 2", len(rl.sources))
	}
	if _, stillThere := rl.sources[a.String()]; stillThere {
		t.Error("oldest source should have been evicted to make room")
	}
}
