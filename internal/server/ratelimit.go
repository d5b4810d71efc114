package server

import (
	"net"
	"sync"
	"time"
)

// rateLimitWindow is the sliding window a sourceRateLimiter counts queries
// over; rateLimitCooldown is how long a source that exceeds the threshold
// within one window is dropped before being given another chance.
const (
	rateLimitWindow   = time.Second
	rateLimitCooldown = 60 * time.Second
	rateLimitMaxIdle  = time.Minute
)

type rateLimitEntry struct {
	windowStart    time.Time
	cooldownExpiry time.Time
	lastSeen       time.Time
	count          int
}

// sourceRateLimiter bounds how many queries per second any one source IP
// may issue, protecting against multicast storms a misbehaving peer on
// the LAN can generate (a known failure mode: a buggy device can flood
// thousands of queries/second). Grounded on the teacher's
// internal/security/rate_limiter.go, simplified to the module's
// injectable-clock/single-mutex idiom and narrowed to the one map this
// package needs instead of a standalone reusable type.
type sourceRateLimiter struct {
	mu           sync.Mutex
	now          func() time.Time
	threshold    int
	maxEntries   int
	sources      map[string]*rateLimitEntry
	lastCleanup  time.Time
}

func newSourceRateLimiter(now func() time.Time, threshold, maxEntries int) *sourceRateLimiter {
	return &sourceRateLimiter{
		now:        now,
		threshold:  threshold,
		maxEntries: maxEntries,
		sources:    make(map[string]*rateLimitEntry),
	}
}

// allow reports whether a query from src should be processed, updating
// the sliding window/cooldown state for that source as a side effect. It
// also opportunistically sweeps stale entries every rateLimitCleanupInterval,
// piggybacking on the call every dispatched packet already makes instead
// of needing a dedicated recurring timer-queue event.
func (rl *sourceRateLimiter) allow(src net.IP) bool {
	key := src.String()
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lastCleanup.IsZero() {
		rl.lastCleanup = now
	} else if now.Sub(rl.lastCleanup) > rateLimitCleanupInterval {
		rl.cleanupLocked(now)
		rl.lastCleanup = now
	}

	e, ok := rl.sources[key]
	if !ok {
		if len(rl.sources) >= rl.maxEntries {
			rl.evictOldestLocked()
		}
		rl.sources[key] = &rateLimitEntry{windowStart: now, lastSeen: now, count: 1}
		return true
	}

	e.lastSeen = now
	if !e.cooldownExpiry.IsZero() {
		if now.Before(e.cooldownExpiry) {
			return false
		}
		e.cooldownExpiry = time.Time{}
		e.windowStart = now
		e.count = 1
		return true
	}

	if now.Sub(e.windowStart) > rateLimitWindow {
		e.windowStart = now
		e.count = 1
		return true
	}

	e.count++
	if e.count > rl.threshold {
		e.cooldownExpiry = now.Add(rateLimitCooldown)
		return false
	}
	return true
}

// evictOldestLocked drops the least-recently-seen source to keep the map
// bounded against an attacker spoofing many source addresses. Caller must
// hold rl.mu.
func (rl *sourceRateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range rl.sources {
		if oldest.IsZero() || e.lastSeen.Before(oldest) {
			oldest, oldestKey = e.lastSeen, k
		}
	}
	if oldestKey != "" {
		delete(rl.sources, oldestKey)
	}
}

// cleanupLocked removes sources that haven't been seen recently, so the
// map doesn't grow without bound from one-off or long-departed peers.
// Caller must hold rl.mu.
func (rl *sourceRateLimiter) cleanupLocked(now time.Time) {
	for k, e := range rl.sources {
		if now.Sub(e.lastSeen) > rateLimitMaxIdle {
			delete(rl.sources, k)
		}
	}
}
