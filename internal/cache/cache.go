// Package cache implements the per-interface mDNS record cache (§4.2 of the
// spec): a hash-indexed, insertion-ordered store of records learned from
// the network, with the staged TTL-refresh-then-expire lifecycle RFC 6762
// §5.2 recommends (query again around 80/85/90/95% of TTL before finally
// dropping the record at 100%).
//
// Grounded on original_source/avahi-core/cache.c's cache_update/elapse_func
// state machine (our spec's §4.2 describes the same percentages but leaves
// the exact state-to-checkpoint mapping implicit); reimplemented against
// internal/timerqueue instead of avahi's own time-event queue, and against
// internal/record's Key/Record instead of AvahiKey/AvahiRecord.
package cache

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
)

// state is a cache entry's position in the staged-expiry lifecycle (§4.2).
type state int

const (
	stateValid state = iota
	stateExpiry1
	stateExpiry2
	stateExpiry3
	stateFinal
)

// entry is one cached record, one per distinct rdata sharing a Key — a
// Key can have several entries (an rrset) when a name/type/class has more
// than one current value (e.g. multiple A records for one host).
type entry struct {
	record    *record.Record
	state     state
	cacheFlush bool
	timestamp time.Time
	event     *timerqueue.Event
}

// NotifyKind describes why a subscriber is being told about a cache change.
type NotifyKind int

const (
	// NotifyNew is sent when a record is learned for the first time.
	NotifyNew NotifyKind = iota
	// NotifyRemove is sent when a record leaves the cache (goodbye,
	// superseded by a cache-flush, or naturally expired).
	NotifyRemove
)

// Cache is one interface's record cache. Not safe for concurrent use — the
// server's single event-loop goroutine owns it (§9).
type Cache struct {
	queue *timerqueue.Queue

	byKey map[record.Key][]*entry
	count int

	now             func() time.Time
	jitter          func(ttl time.Duration, percentLow, percentHigh int) time.Duration
	onNotify        func(NotifyKind, *record.Record)
	onRefreshNeeded func(record.Key)
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithClock overrides the cache's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithJitter overrides the random jitter function used to pick the next
// staged-expiry checkpoint within [percentLow, percentHigh) of ttl, for
// deterministic tests.
func WithJitter(f func(ttl time.Duration, percentLow, percentHigh int) time.Duration) Option {
	return func(c *Cache) { c.jitter = f }
}

// WithNotify registers a callback invoked whenever a record enters or
// leaves the cache (the browser/resolver notification hook, §6).
func WithNotify(f func(NotifyKind, *record.Record)) Option {
	return func(c *Cache) { c.onNotify = f }
}

// WithRefreshNeeded registers a callback invoked at each staged-expiry
// checkpoint (80/85/90/95%): the scheduler uses this to decide whether to
// post a refresh query for the record's key, per RFC 6762 §5.2.
func WithRefreshNeeded(f func(record.Key)) Option {
	return func(c *Cache) { c.onRefreshNeeded = f }
}

// New constructs an empty Cache that schedules its staged-expiry checkpoints
// on queue.
func New(queue *timerqueue.Queue, opts ...Option) *Cache {
	c := &Cache{
		queue: queue,
		byKey: make(map[record.Key][]*entry),
		now:   time.Now,
		jitter: func(ttl time.Duration, percentLow, percentHigh int) time.Duration {
			return defaultJitter(ttl, percentLow, percentHigh)
		},
		onNotify:        func(NotifyKind, *record.Record) {},
		onRefreshNeeded: func(record.Key) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the total number of cached entries across all keys.
func (c *Cache) Len() int { return c.count }

// LookupKey returns every entry currently cached under the exact key k (k
// must not be a pattern — callers wanting pattern matching use Walk).
func (c *Cache) LookupKey(k record.Key) []*record.Record {
	entries := c.byKey[k]
	out := make([]*record.Record, len(entries))
	for i, e := range entries {
		out[i] = e.record
	}
	return out
}

// LookupRecord returns the cached entry equal to r ignoring TTL, or nil.
func (c *Cache) LookupRecord(r *record.Record) *record.Record {
	for _, e := range c.byKey[r.Key] {
		if record.EqualNoTTL(e.record, r) {
			return e.record
		}
	}
	return nil
}

// Walk invokes cb for every cached record whose key matches pattern
// (pattern.IsPattern() selects every type under pattern's name/class; a
// concrete key selects only its own rrset). Walk stops early if cb returns
// false.
func (c *Cache) Walk(pattern record.Key, cb func(*record.Record) bool) {
	if !pattern.IsPattern() {
		for _, e := range c.byKey[pattern] {
			if !cb(e.record) {
				return
			}
		}
		return
	}
	for key, entries := range c.byKey {
		if !pattern.Matches(key) {
			continue
		}
		for _, e := range entries {
			if !cb(e.record) {
				return
			}
		}
	}
}

// Update applies an observed record to the cache, per §4.2's three cases:
//
//   - TTL == 0 (a goodbye record): if a matching entry exists, it is
//     scheduled to expire in one second rather than removed immediately
//     (RFC 6762 §10.1); each further goodbye for it restarts that
//     one-second countdown.
//   - cacheFlush set: any existing entries for the same key older than one
//     second are scheduled to expire in one second (RFC 6762 §10.2) — they
//     are presumed stale, but are given a grace period in case of
//     reordering. An entry whose rdata matches r is then refreshed below.
//   - otherwise: an entry with the same key and rdata (ignoring TTL) is
//     refreshed in place; a genuinely new rdata is inserted, subject to
//     the MaxCacheEntries cap, and reported via NotifyNew.
func (c *Cache) Update(r *record.Record, cacheFlush bool) {
	now := c.now()

	if r.IsGoodbye() {
		if e := c.findEntry(r); e != nil {
			c.expireInOneSecond(e)
		}
		return
	}

	existing := c.byKey[r.Key]

	if cacheFlush {
		for _, e := range existing {
			if now.Sub(e.timestamp) > time.Second {
				c.expireInOneSecond(e)
			}
		}
	}

	var match *entry
	for _, e := range existing {
		if record.EqualNoTTL(e.record, r) {
			match = e
			break
		}
	}

	if match != nil {
		match.record = r
		match.cacheFlush = cacheFlush
		match.timestamp = now
		match.state = stateValid
		c.scheduleCheckpoint(match, 80, 82)
		return
	}

	if c.count >= protocol.MaxCacheEntries {
		return
	}

	e := &entry{record: r, cacheFlush: cacheFlush, timestamp: now, state: stateValid}
	c.byKey[r.Key] = append(c.byKey[r.Key], e)
	c.count++
	c.scheduleCheckpoint(e, 80, 82)
	c.onNotify(NotifyNew, r)
}

// HalfTTLElapsed reports whether at least half of r's TTL has elapsed since
// it was cached (used by the scheduler's known-answer suppression rule,
// §4.4: a known answer with less than half its TTL remaining does not
// suppress a response).
func (c *Cache) HalfTTLElapsed(r *record.Record) bool {
	e := c.findEntry(r)
	if e == nil {
		return false
	}
	age := c.now().Sub(e.timestamp)
	return age >= time.Duration(r.TTL)*time.Second/2
}

// Flush removes every cached entry without the one-second grace period
// Update's goodbye/cache-flush paths use — for interface teardown, not for
// ordinary record lifecycle.
func (c *Cache) Flush() {
	for key, entries := range c.byKey {
		for _, e := range entries {
			c.queue.Cancel(e.event)
			c.onNotify(NotifyRemove, e.record)
		}
		delete(c.byKey, key)
	}
	c.count = 0
}

func (c *Cache) findEntry(r *record.Record) *entry {
	for _, e := range c.byKey[r.Key] {
		if record.EqualNoTTL(e.record, r) {
			return e
		}
	}
	return nil
}

// expireInOneSecond jumps an entry straight to the FINAL state with a
// one-second deadline (§4.2's goodbye and cache-flush-collision handling).
func (c *Cache) expireInOneSecond(e *entry) {
	e.state = stateFinal
	deadline := c.now().Add(time.Second)
	e.event = c.queue.Reschedule(e.event, deadline, func(now time.Time) {
		c.fire(e, now)
	})
}

// scheduleCheckpoint arms (or rearms) e's timer to fire once, somewhere in
// [percentLow%, percentHigh%) of its TTL after timestamp.
func (c *Cache) scheduleCheckpoint(e *entry, percentLow, percentHigh int) {
	ttl := time.Duration(e.record.TTL) * time.Second
	delay := c.jitter(ttl, percentLow, percentHigh)
	deadline := e.timestamp.Add(delay)
	e.event = c.queue.Reschedule(e.event, deadline, func(now time.Time) {
		c.fire(e, now)
	})
}

// fire advances e through the staged-expiry state machine, grounded
// directly on avahi-core/cache.c's elapse_func: the 80% checkpoint moves
// VALID -> EXPIRY1 (next check at 85%), 85% moves EXPIRY1 -> EXPIRY2,
// 90% moves EXPIRY2 -> EXPIRY3, 95% moves EXPIRY3 -> FINAL (next check at
// 100%), and the 100% checkpoint removes the entry. Every checkpoint
// except that final removal requests a refresh query for the entry's key
// before rescheduling.
func (c *Cache) fire(e *entry, now time.Time) {
	if e.state == stateFinal {
		c.removeEntry(e)
		return
	}

	var percent int
	switch e.state {
	case stateValid:
		e.state = stateExpiry1
		percent = 85
	case stateExpiry1:
		e.state = stateExpiry2
		percent = 90
	case stateExpiry2:
		e.state = stateExpiry3
		percent = 95
	case stateExpiry3:
		e.state = stateFinal
		percent = 100
	}

	c.onRefreshNeeded(e.record.Key)
	c.scheduleCheckpoint(e, percent, percent+2)
}

func (c *Cache) removeEntry(e *entry) {
	entries := c.byKey[e.record.Key]
	for i, cand := range entries {
		if cand == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.byKey, e.record.Key)
	} else {
		c.byKey[e.record.Key] = entries
	}
	c.count--
	c.onNotify(NotifyRemove, e.record)
}

// defaultJitter picks a uniformly random duration in
// [ttl*percentLow/100, ttl*percentHigh/100), matching avahi-core's "2%
// jitter" on each staged-expiry checkpoint. crypto/rand is used rather than
// math/rand so the jitter source needs no seeding and stays consistent with
// the engine's other randomized-but-not-secret choices (record IDs).
func defaultJitter(ttl time.Duration, percentLow, percentHigh int) time.Duration {
	low := ttl * time.Duration(percentLow) / 100
	high := ttl * time.Duration(percentHigh) / 100
	span := high - low
	if span <= 0 {
		return low
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return low
	}
	return low + time.Duration(n.Int64())
}
