// Package entry implements the entry and entry-group manager (§4.6 of the
// spec): the embedder-facing registry of published records, grouped for
// atomic commit, with local-collision enforcement and the deferred cleanup
// sweep that keeps dead entries from being touched mid-packet.
//
// Grounded on the teacher's internal/state.Machine (one state machine per
// published service, driving Probe -> Announce -> Established with a
// conflict short-circuit), generalized from one goroutine per service into
// the single-threaded, timer-queue-driven model the rest of the engine
// (internal/cache, internal/scheduler) already uses: an EntryGroup carries
// the same State enum the teacher's states.go does, but transitions are
// driven by Manager method calls and timerqueue events instead of a
// blocking Run(ctx) loop. The rate-limited register_time bookkeeping in
// group_commit reuses the sliding-window/cooldown idiom of the teacher's
// internal/security/rate_limiter.go, narrowed from a per-source-IP map to
// the single counter one EntryGroup needs.
package entry

import (
	"time"

	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
)

// Flags control how an entry participates in probing, announcing, and
// collision enforcement (§3, §4.6).
type Flags uint8

const (
	// FlagUnique marks a record as exclusively owned: probed before use and
	// subject to local-collision enforcement against other UNIQUE entries.
	FlagUnique Flags = 1 << iota
	// FlagNoProbe skips probing even for a UNIQUE record (the publisher
	// already knows the name is free, e.g. it was just probed as part of a
	// larger rrset).
	FlagNoProbe
	// FlagNoAnnounce skips unsolicited announcement; the record answers
	// queries but is never gratuitously broadcast.
	FlagNoAnnounce
	// FlagAllowMultiple permits two UNIQUE entries with the same key to
	// coexist on overlapping (interface, protocol) scope, as long as both
	// sides set it.
	FlagAllowMultiple
	// FlagUpdate requests add to replace an existing live entry's record in
	// place rather than insert a new one.
	FlagUpdate
)

// Has reports whether bit is set in f.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) has(bit Flags) bool { return f.Has(bit) }

// GroupState is an EntryGroup's commit lifecycle state (§4.6).
type GroupState int

const (
	StateUncommitted GroupState = iota
	StateRegistering
	StateEstablished
	StateCollision
)

func (s GroupState) String() string {
	switch s {
	case StateUncommitted:
		return "UNCOMMITTED"
	case StateRegistering:
		return "REGISTERING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCollision:
		return "COLLISION"
	default:
		return "UNKNOWN"
	}
}

// Entry is one published record, scoped to an interface and protocol and
// owned by an EntryGroup.
type Entry struct {
	Group    *EntryGroup
	IfaceKey string // internal/iface.Interface.Key(), kept as a string to avoid an import cycle
	Protocol int    // internal/iface.Protocol, same reason
	Flags    Flags
	Record   *record.Record

	dead bool
}

// Dead reports whether this entry has been marked for removal by
// group_reset or a goodbye, and is awaiting the deferred cleanup sweep.
func (e *Entry) Dead() bool { return e.dead }

// EntryGroup is a set of entries committed together. Committing advances
// probing/announcing for every entry in the group as a unit, so a
// multi-record service (PTR+SRV+TXT+A) is never observable half-published.
type EntryGroup struct {
	entries []*Entry
	state   GroupState

	nProbing int // entries still PROBING; group reaches ESTABLISHED at 0

	registerTime   time.Time
	nRegisterTry   int
	registerEvent  *timerqueue.Event
	windowStart    time.Time
	cooldownExpiry time.Time
}

// State returns the group's current commit state.
func (g *EntryGroup) State() GroupState { return g.state }

// Entries returns the group's live entries.
func (g *EntryGroup) Entries() []*Entry { return g.entries }

// IncrementProbing records that one more of the group's announcements has
// entered PROBING.
func (g *EntryGroup) IncrementProbing() { g.nProbing++ }

// DecrementProbing records that a probing announcement finished, and
// reports whether the group should now transition to ESTABLISHED
// (nProbing reached 0 while REGISTERING, §4.7's group-check rule).
func (g *EntryGroup) DecrementProbing() (readyToEstablish bool) {
	if g.nProbing > 0 {
		g.nProbing--
	}
	if g.nProbing == 0 && g.state == StateRegistering {
		g.state = StateEstablished
		return true
	}
	return false
}

// Publisher is how Manager reaches the announce layer without importing
// it: internal/announce.Announcer satisfies this, created once and handed
// to New. Keeping the dependency one-directional (announce imports entry,
// not the reverse) avoids a cycle, since an Announcement needs EntryGroup's
// exported probing bookkeeping above.
type Publisher interface {
	// Announce creates (or, if one already exists, leaves alone) the
	// Announcement for (e, ifaceKey), per the initial-state rule of §4.7.
	Announce(e *Entry, ifaceKey string)
	// Reannounce resets e's announcement(s) to their initial state: back to
	// PROBING for a UNIQUE record, otherwise straight to re-announcing.
	Reannounce(e *Entry)
	// Withdraw tears down e's announcement(s) without sending a goodbye,
	// because a lost probe or conflict means we never owned the name.
	Withdraw(e *Entry)
	// Goodbye sends a TTL=0 response for e on every interface it was
	// announced on, then destroys those announcements.
	Goodbye(e *Entry)
}

// Manager is the top-level entry and entry-group registry (§4.6). Not safe
// for concurrent use — owned by the single server event-loop goroutine
// (§9), same as every other stateful package in the engine.
type Manager struct {
	queue     *timerqueue.Queue
	publisher Publisher
	now       func() time.Time

	groups []*EntryGroup

	// byKey indexes live, non-goodbye entries by record key for collision
	// detection and LocalLookup (internal/scheduler.LocalLookup, satisfied
	// by Manager.Lookup below).
	byKey map[record.Key][]*Entry

	needEntryCleanup   bool
	needGroupCleanup   bool
	needBrowserCleanup bool
	onBrowserCleanup   func()
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithBrowserCleanupHook registers the callback run when a deferred browser
// cleanup is swept (browse/resolve state living outside this package).
func WithBrowserCleanupHook(f func()) Option {
	return func(m *Manager) { m.onBrowserCleanup = f }
}

// New constructs a Manager. publisher drives the announce-layer side
// effects of add/commit/reset/conflict handling.
func New(queue *timerqueue.Queue, publisher Publisher, opts ...Option) *Manager {
	m := &Manager{
		queue:     queue,
		publisher: publisher,
		now:       time.Now,
		byKey:     make(map[record.Key][]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewGroup allocates an empty, UNCOMMITTED entry group.
func (m *Manager) NewGroup() *EntryGroup {
	g := &EntryGroup{state: StateUncommitted}
	m.groups = append(m.groups, g)
	return g
}

// Lookup satisfies internal/scheduler.LocalLookup: it returns every live
// entry's record matching key (a pattern key with TypeANY matches every
// type at that name).
func (m *Manager) Lookup(key record.Key) []*record.Record {
	var out []*record.Record
	for k, entries := range m.byKey {
		if !key.Matches(k) {
			continue
		}
		for _, e := range entries {
			if !e.dead {
				out = append(out, e.Record)
			}
		}
	}
	return out
}

// Add publishes r into group, scoped to ifaceKey/proto with flags (§4.6's
// `add`). If FlagUpdate is set, the first matching live entry in
// (group, ifaceKey, proto) has its record swapped instead of a new entry
// being inserted; otherwise this is an insertion, checked for local
// collision against other UNIQUE entries sharing the key on overlapping
// scope.
func (m *Manager) Add(group *EntryGroup, ifaceKey string, proto int, flags Flags, r *record.Record) (*Entry, error) {
	if err := validateRecord(r); err != nil {
		return nil, err
	}
	if err := validateFlags(flags); err != nil {
		return nil, err
	}

	if flags.has(FlagUpdate) {
		if e := findLiveEntry(group, ifaceKey, proto, r.Key); e != nil {
			return m.update(e, r, flags), nil
		}
		// No existing entry to update: falls through to insertion, matching
		// the teacher's add-or-replace idiom for idempotent republish.
	}

	if flags.has(FlagUnique) && !flags.has(FlagAllowMultiple) {
		if m.collides(ifaceKey, proto, r.Key, flags) {
			return nil, errors.New(errors.KindLocalCollision, "add", "a UNIQUE entry with this key already occupies this interface/protocol scope")
		}
	}

	e := &Entry{Group: group, IfaceKey: ifaceKey, Protocol: proto, Flags: flags, Record: r}
	group.entries = append(group.entries, e)
	m.byKey[r.Key] = append(m.byKey[r.Key], e)

	if group.state != StateUncommitted {
		m.publisher.Announce(e, ifaceKey)
	}
	return e, nil
}

func (m *Manager) update(e *Entry, r *record.Record, flags Flags) *Entry {
	old := e.Record
	e.Record = r
	e.Flags = flags

	changed := !record.EqualNoTTL(old, r)
	if changed && e.Group.state != StateUncommitted {
		if !e.Flags.has(FlagUnique) {
			goodbye := record.New(old.Key, 0, old.Data)
			m.publisher.Goodbye(&Entry{Group: e.Group, IfaceKey: e.IfaceKey, Protocol: e.Protocol, Flags: e.Flags, Record: goodbye})
		}
		m.publisher.Reannounce(e)
	}
	return e
}

func findLiveEntry(group *EntryGroup, ifaceKey string, proto int, key record.Key) *Entry {
	for _, e := range group.entries {
		if e.dead || e.IfaceKey != ifaceKey || e.Protocol != proto {
			continue
		}
		if e.Record.Key == key {
			return e
		}
	}
	return nil
}

// collides reports whether a new UNIQUE entry for key on (ifaceKey, proto)
// would locally collide with an existing UNIQUE entry for the same key on
// overlapping scope (same interface, or either side scoped to every
// interface).
func (m *Manager) collides(ifaceKey string, proto int, key record.Key, flags Flags) bool {
	for _, other := range m.byKey[key] {
		if other.dead || !other.Flags.has(FlagUnique) {
			continue
		}
		if other.Flags.has(FlagAllowMultiple) && flags.has(FlagAllowMultiple) {
			continue
		}
		if other.Protocol != proto {
			continue
		}
		if other.IfaceKey == "" || ifaceKey == "" || other.IfaceKey == ifaceKey {
			return true
		}
	}
	return false
}

func validateRecord(r *record.Record) error {
	if r == nil {
		return errors.New(errors.KindInvalidRecord, "add", "record is nil")
	}
	if r.TTL == 0 {
		return errors.New(errors.KindInvalidTTL, "add", "TTL must be non-zero (use group_reset/goodbye to retract an entry)")
	}
	if r.Key.IsPattern() {
		return errors.New(errors.KindIsPattern, "add", "record key must not be a wildcard pattern")
	}
	if err := protocol.ValidateName(r.Key.Name()); err != nil {
		return err
	}
	return nil
}

func validateFlags(flags Flags) error {
	if flags.has(FlagNoProbe) && !flags.has(FlagUnique) {
		return errors.New(errors.KindInvalidFlags, "add", "NO_PROBE only applies to UNIQUE entries")
	}
	return nil
}

// --- Group commit / reset --------------------------------------------

// Commit transitions group from UNCOMMITTED or COLLISION into REGISTERING,
// subject to RR_HOLDOFF rate limiting (§4.6's group_commit): register_time
// advances by RR_HOLDOFF normally, or by RR_HOLDOFF_RATE_LIMIT once the
// group has retried RR_RATE_LIMIT_COUNT times within one rate-limit window.
// If the resulting time is in the future, registration is deferred to a
// timer-queue event instead of happening inline.
func (m *Manager) Commit(group *EntryGroup) {
	if group.state == StateEstablished || group.state == StateRegistering {
		return
	}

	now := m.now()
	holdoff := m.nextHoldoff(group, now)
	at := group.registerTime.Add(holdoff)
	if at.Before(now) {
		at = now
	}
	group.registerTime = at
	group.nRegisterTry++

	group.state = StateRegistering
	m.queue.Cancel(group.registerEvent)

	if !at.After(now) {
		m.beginRegistering(group)
		return
	}
	group.registerEvent = m.queue.Add(at, func(time.Time) { m.beginRegistering(group) })
}

// nextHoldoff applies the sliding-window rate limit: within one
// RR_HOLDOFF_RATE_LIMIT window, once nRegisterTry has reached
// RR_RATE_LIMIT_COUNT tries the per-commit holdoff switches from RR_HOLDOFF
// to the much longer RR_HOLDOFF_RATE_LIMIT, the same window/cooldown idiom
// internal/security's per-source-IP rate limiter uses, narrowed to one
// counter per group.
func (m *Manager) nextHoldoff(group *EntryGroup, now time.Time) time.Duration {
	if group.windowStart.IsZero() || now.Sub(group.windowStart) > protocol.RRHoldoffRateLimit {
		group.windowStart = now
		group.nRegisterTry = 0
	}
	if group.nRegisterTry >= protocol.RRRateLimitCount {
		return protocol.RRHoldoffRateLimit
	}
	return protocol.RRHoldoff
}

func (m *Manager) beginRegistering(group *EntryGroup) {
	if group.state != StateRegistering {
		return
	}
	for _, e := range group.entries {
		if e.dead {
			continue
		}
		m.publisher.Announce(e, e.IfaceKey)
	}
}

// Reset marks every entry in group dead (sending goodbyes) and returns the
// group to UNCOMMITTED, canceling any pending register-time event (§4.6's
// group_reset).
func (m *Manager) Reset(group *EntryGroup) {
	m.queue.Cancel(group.registerEvent)
	group.registerEvent = nil

	for _, e := range group.entries {
		if e.dead {
			continue
		}
		e.dead = true
		m.publisher.Goodbye(e)
	}
	group.state = StateUncommitted
	group.nProbing = 0
	m.needEntryCleanup = true
}

// Collide moves group into COLLISION, the terminal state a lost probe or
// post-registration conflict puts it in until the embedder Commits again
// (§4.6, §4.8's conflict-handling and probe-tie-break rules).
func (m *Manager) Collide(group *EntryGroup) {
	group.state = StateCollision
}

// --- Conflict handling (§4.8) ------------------------------------------

// EntriesForKey returns the live, non-dead entries sharing key, for the
// server loop's per-incoming-record conflict handling.
func (m *Manager) EntriesForKey(key record.Key) []*Entry {
	var out []*Entry
	for _, e := range m.byKey[key] {
		if !e.dead {
			out = append(out, e)
		}
	}
	return out
}

// MarkDead flags e for removal by the deferred cleanup sweep, without
// sending a goodbye (used when the peer's probe wins the tie-break and e
// never owned the name).
func (m *Manager) MarkDead(e *Entry) {
	e.dead = true
	m.needEntryCleanup = true
}

// EntriesMatching returns the live, non-dead entries whose key matches key
// (a pattern key with TypeANY matches every type at that name), for the
// server loop's incoming-question response preparation. Unlike
// EntriesForKey, this also matches ANY-type questions against concrete
// published keys.
func (m *Manager) EntriesMatching(key record.Key) []*Entry {
	var out []*Entry
	for k, entries := range m.byKey {
		if !key.Matches(k) {
			continue
		}
		for _, e := range entries {
			if !e.dead {
				out = append(out, e)
			}
		}
	}
	return out
}

// --- Deferred cleanup (§4.6) --------------------------------------------

// RequestGroupCleanup flags that an empty or fully-dead group should be
// swept on the next Sweep.
func (m *Manager) RequestGroupCleanup() { m.needGroupCleanup = true }

// RequestBrowserCleanup flags that browse/resolve state outside this
// package needs sweeping on the next Sweep.
func (m *Manager) RequestBrowserCleanup() { m.needBrowserCleanup = true }

// Sweep performs the deferred cleanup the spec requires at the end of each
// packet's processing: removing dead entries (and the groups/byKey chains
// they leave empty) and running the browser-cleanup hook, all in one pass
// so objects are never mutated mid-packet while other code may still be
// iterating them (§4.6).
func (m *Manager) Sweep() {
	if m.needEntryCleanup {
		m.sweepEntries()
		m.needEntryCleanup = false
	}
	if m.needGroupCleanup {
		m.sweepGroups()
		m.needGroupCleanup = false
	}
	if m.needBrowserCleanup {
		if m.onBrowserCleanup != nil {
			m.onBrowserCleanup()
		}
		m.needBrowserCleanup = false
	}
}

func (m *Manager) sweepEntries() {
	for _, g := range m.groups {
		live := g.entries[:0]
		for _, e := range g.entries {
			if e.dead {
				m.removeFromByKey(e)
				continue
			}
			live = append(live, e)
		}
		g.entries = live
	}
	m.needGroupCleanup = true
}

func (m *Manager) removeFromByKey(e *Entry) {
	list := m.byKey[e.Record.Key]
	for i, other := range list {
		if other == e {
			m.byKey[e.Record.Key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.byKey[e.Record.Key]) == 0 {
		delete(m.byKey, e.Record.Key)
	}
}

func (m *Manager) sweepGroups() {
	live := m.groups[:0]
	for _, g := range m.groups {
		if len(g.entries) == 0 && g.state == StateUncommitted {
			continue
		}
		live = append(live, g)
	}
	m.groups = live
}
