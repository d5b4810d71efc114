// Package announce implements the per-(interface, entry) announcement
// state machine (§4.7 of the spec): probing a UNIQUE name before use,
// then sending unsolicited announcements, then staying ESTABLISHED until
// a conflict or an embedder-driven rename resets it.
//
// Grounded on the teacher's internal/state.Prober/Announcer (probe and
// announce as distinct phases, each driven by repeated timed sends),
// generalized from a blocking context.Context loop that owns its own
// *time.Timer into an event posted on the shared internal/timerqueue —
// the same inversion internal/cache and internal/scheduler already
// apply to the teacher's synchronous style — and wired against
// internal/entry.EntryGroup's exported probing bookkeeping
// (IncrementProbing/DecrementProbing) to drive the group-level
// PROBING -> WAITING -> ESTABLISHED transition §4.7 describes. Probe
// packets (query ANY + authority record) and announcement packets
// (response with cache-flush) are built directly with internal/wire
// rather than routed through internal/scheduler's QueryJob/ResponseJob:
// a probe's authority record and an announcement's rrset-coherence
// requirement don't fit the scheduler's duplicate-suppression job shape,
// which exists for ordinary query/response traffic, not this bounded,
// locally-driven sequence.
package announce

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/joshuafuller/beacon/internal/entry"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
	"github.com/joshuafuller/beacon/internal/wire"
)

// State is an Announcement's position in the §4.7 state machine.
type State int

const (
	StateProbing State = iota
	StateWaiting
	StateAnnouncing
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "PROBING"
	case StateWaiting:
		return "WAITING"
	case StateAnnouncing:
		return "ANNOUNCING"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// Announcement is the state machine for one (interface, entry) pair.
type Announcement struct {
	entry    *entry.Entry
	ifaceKey string
	state    State

	probesSent   int
	iteration    int
	nextDelay    time.Duration
	event        *timerqueue.Event
}

// State returns the announcement's current phase.
func (a *Announcement) State() State { return a.state }

// Sender transmits an already-assembled packet on the interface an
// Announcement belongs to.
type Sender interface {
	Send(ctx context.Context, packet []byte) error
}

// LocalLookup resolves an rrset sharing a key, for UNIQUE records whose
// announcements must present the whole rrset together (§4.7's rrset
// coherence rule). internal/entry.Manager satisfies this.
type LocalLookup interface {
	Lookup(key record.Key) []*record.Record
}

// SenderFor resolves the transport to use for a given interface key
// (internal/iface.Interface.Key()). The server wires this to its
// per-interface scheduler/transport.
type SenderFor interface {
	SenderFor(ifaceKey string) Sender
}

// Manager drives every live Announcement and implements
// internal/entry.Publisher, so the entry-group manager can create,
// reset, withdraw, and retire announcements without importing this
// package. Not safe for concurrent use — owned by the single
// server event-loop goroutine (§9).
type Manager struct {
	queue  *timerqueue.Queue
	senderFor SenderFor
	local  LocalLookup
	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	onStateChange func(e *entry.Entry, ifaceKey string, s State)

	byEntry map[*entry.Entry]map[string]*Announcement
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(m *Manager) { m.jitter = j }
}

// WithStateChangeHook registers a callback invoked whenever an
// Announcement's state changes, e.g. so an embedder callback can report
// a service as ESTABLISHED or COLLISION.
func WithStateChangeHook(f func(e *entry.Entry, ifaceKey string, s State)) Option {
	return func(m *Manager) { m.onStateChange = f }
}

// New constructs a Manager. senderFor resolves the per-interface
// transport; local resolves rrset siblings for UNIQUE announcements.
func New(queue *timerqueue.Queue, senderFor SenderFor, local LocalLookup, opts ...Option) *Manager {
	m := &Manager{
		queue:         queue,
		senderFor:     senderFor,
		local:         local,
		now:           time.Now,
		jitter:        defaultJitter,
		onStateChange: func(*entry.Entry, string, State) {},
		byEntry:       make(map[*entry.Entry]map[string]*Announcement),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// --- internal/entry.Publisher ------------------------------------------

// Announce creates the Announcement for (e, ifaceKey) if one doesn't
// already exist, in the initial state §4.7's flag rules dictate:
//   - UNIQUE and not NO_PROBE: PROBING (and the group's n_probing rises).
//   - not NO_ANNOUNCE, and (no group or group ESTABLISHED): ANNOUNCING.
//   - not NO_ANNOUNCE, and group REGISTERING: WAITING.
//   - NO_ANNOUNCE: ESTABLISHED immediately (answers queries, never
//     gratuitously broadcasts).
func (m *Manager) Announce(e *entry.Entry, ifaceKey string) {
	if m.find(e, ifaceKey) != nil {
		return
	}
	a := &Announcement{entry: e, ifaceKey: ifaceKey}
	m.put(a)

	flags := e.Flags
	switch {
	case flags.Has(entry.FlagUnique) && !flags.Has(entry.FlagNoProbe):
		a.state = StateProbing
		if e.Group != nil {
			e.Group.IncrementProbing()
		}
		m.scheduleFirstProbe(a)
	case flags.Has(entry.FlagNoAnnounce):
		a.state = StateEstablished
		m.onStateChange(e, ifaceKey, StateEstablished)
	case e.Group == nil || e.Group.State() == entry.StateEstablished:
		m.startAnnouncing(a, 0)
	default:
		a.state = StateWaiting
	}
}

// Reannounce resets e's announcements to their initial state: back to
// PROBING for a UNIQUE record, otherwise a fresh announcing sequence.
func (m *Manager) Reannounce(e *entry.Entry) {
	for ifaceKey, a := range m.byEntry[e] {
		m.queue.Cancel(a.event)
		a.probesSent, a.iteration = 0, 0
		if e.Flags.Has(entry.FlagUnique) && !e.Flags.Has(entry.FlagNoProbe) {
			a.state = StateProbing
			if e.Group != nil {
				e.Group.IncrementProbing()
			}
			m.scheduleFirstProbe(a)
		} else {
			m.startAnnouncing(a, 0)
		}
		_ = ifaceKey
	}
}

// Withdraw tears down e's announcements without sending a goodbye: a
// lost probe or post-registration conflict means we never owned the
// name on the wire.
func (m *Manager) Withdraw(e *entry.Entry) {
	for _, a := range m.byEntry[e] {
		m.queue.Cancel(a.event)
	}
	delete(m.byEntry, e)
}

// Goodbye sends a TTL=0 response for e on every interface it was
// announced on (skipping PROBING announcements, which never sent a
// claim worth retracting), then destroys those announcements.
func (m *Manager) Goodbye(e *entry.Entry) {
	for ifaceKey, a := range m.byEntry[e] {
		if a.state != StateProbing {
			m.sendGoodbye(e, ifaceKey)
		}
		m.queue.Cancel(a.event)
	}
	delete(m.byEntry, e)
}

func (m *Manager) sendGoodbye(e *entry.Entry, ifaceKey string) {
	sender := m.senderFor.SenderFor(ifaceKey)
	if sender == nil {
		return
	}
	goodbye := record.New(e.Record.Key, 0, e.Record.Data)
	p := wire.NewPacket(protocol.DefaultPacketSize)
	p.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
	if err := p.AppendRecord(goodbye, true); err != nil {
		return
	}
	_ = sender.Send(context.Background(), p.Finish(0, 1, 0, 0))
}

// --- Probing -------------------------------------------------------------

func (m *Manager) scheduleFirstProbe(a *Announcement) {
	at := m.now().Add(protocol.ProbeDefer + m.jitter(protocol.ProbeJitter))
	a.event = m.queue.Add(at, func(time.Time) { m.sendProbe(a) })
}

func (m *Manager) sendProbe(a *Announcement) {
	if a.state != StateProbing {
		return
	}
	sender := m.senderFor.SenderFor(a.ifaceKey)
	if sender != nil {
		p := wire.NewPacket(protocol.DefaultPacketSize)
		p.SetHeader(0, 0)
		if err := p.AppendQuestion(record.NewKey(a.entry.Record.Key.Name(), protocol.TypeANY, a.entry.Record.Key.Class), false); err == nil {
			if err := p.AppendRecord(a.entry.Record, false); err == nil {
				_ = sender.Send(context.Background(), p.Finish(1, 0, 1, 0))
			}
		}
	}
	a.probesSent++

	if a.probesSent < protocol.ProbeCount {
		at := m.now().Add(protocol.ProbeInterval)
		a.event = m.queue.Add(at, func(time.Time) { m.sendProbe(a) })
		return
	}
	at := m.now().Add(protocol.ProbeInterval)
	a.event = m.queue.Add(at, func(time.Time) { m.probingComplete(a) })
}

// probingComplete is the "4th interval elapsed" transition of §4.7: the
// group's n_probing drops by one, and this announcement moves to
// WAITING (group still REGISTERING) or straight to ANNOUNCING.
// Reaching n_probing == 0 while REGISTERING establishes the group and
// wakes every sibling announcement still WAITING on it.
func (m *Manager) probingComplete(a *Announcement) {
	group := a.entry.Group
	readyToEstablish := false
	if group != nil {
		readyToEstablish = group.DecrementProbing()
	}

	if group != nil && group.State() == entry.StateRegistering && !readyToEstablish {
		a.state = StateWaiting
		return
	}

	m.startAnnouncing(a, 0)
	if readyToEstablish {
		m.wakeWaitingSiblings(group, a)
	}
}

// wakeWaitingSiblings advances every other announcement in group still
// WAITING to ANNOUNCING, after ANNOUNCEMENT_JITTER, starting at
// iteration 0 — the group-check side of §4.7's transition, distinct from
// the announcement that drove the group to ESTABLISHED (which
// probingComplete above starts immediately, also at iteration 0).
func (m *Manager) wakeWaitingSiblings(group *entry.EntryGroup, except *Announcement) {
	if group == nil {
		return
	}
	for _, e := range group.Entries() {
		for _, a := range m.byEntry[e] {
			if a == except || a.state != StateWaiting {
				continue
			}
			at := m.now().Add(protocol.AnnouncementJitter)
			a.event = m.queue.Add(at, func(time.Time) { m.startAnnouncing(a, 0) })
		}
	}
}

// --- Announcing ------------------------------------------------------------

// startAnnouncing enters ANNOUNCING and sends the first announcement
// immediately (delay is honored by the caller scheduling this call, not
// by startAnnouncing itself).
func (m *Manager) startAnnouncing(a *Announcement, _ time.Duration) {
	a.state = StateAnnouncing
	a.iteration = 0
	a.nextDelay = protocol.AnnounceInitialDelay
	m.sendAnnouncement(a)
}

func (m *Manager) sendAnnouncement(a *Announcement) {
	if a.state != StateAnnouncing {
		return
	}
	sender := m.senderFor.SenderFor(a.ifaceKey)
	if sender != nil {
		records := []*record.Record{a.entry.Record}
		if a.entry.Flags.Has(entry.FlagUnique) && m.local != nil {
			records = m.local.Lookup(a.entry.Record.Key)
		}
		m.sendResponse(sender, records)
	}
	a.iteration++

	if a.iteration >= protocol.AnnounceCountMin {
		a.state = StateEstablished
		a.event = nil
		m.onStateChange(a.entry, a.ifaceKey, StateEstablished)
		return
	}

	at := m.now().Add(a.nextDelay)
	a.nextDelay *= 2
	a.event = m.queue.Add(at, func(time.Time) { m.sendAnnouncement(a) })
}

func (m *Manager) sendResponse(sender Sender, records []*record.Record) {
	if len(records) == 0 {
		return
	}
	p := wire.NewPacket(protocol.DefaultPacketSize)
	p.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
	count := 0
	for _, r := range records {
		if err := p.AppendRecord(r, true); err != nil {
			continue
		}
		count++
	}
	if count == 0 {
		return
	}
	_ = sender.Send(context.Background(), p.Finish(0, count, 0, 0))
}

// --- Lookup helpers --------------------------------------------------------

// IsProbing reports whether e's announcement on ifaceKey is currently in
// the PROBING phase, for the server's incoming-probe tie-break (§4.8):
// only a still-probing local record is a party to that tie-break.
func (m *Manager) IsProbing(e *entry.Entry, ifaceKey string) bool {
	a := m.find(e, ifaceKey)
	return a != nil && a.state == StateProbing
}

func (m *Manager) find(e *entry.Entry, ifaceKey string) *Announcement {
	if byIface, ok := m.byEntry[e]; ok {
		return byIface[ifaceKey]
	}
	return nil
}

func (m *Manager) put(a *Announcement) {
	byIface, ok := m.byEntry[a.entry]
	if !ok {
		byIface = make(map[string]*Announcement)
		m.byEntry[a.entry] = byIface
	}
	byIface[a.ifaceKey] = a
}
