// Package server implements the packet dispatch loop (§4.8 of the spec):
// the single goroutine that owns every other stateful package
// (internal/iface, internal/cache, internal/scheduler, internal/entry,
// internal/announce) and drives them from incoming datagrams and timer-queue
// wakeups, never from more than one goroutine at a time (§9's cooperative
// single-threaded model).
//
// Grounded on the teacher's querier.go (receiveLoop/cleanupLoop: background
// goroutines that only move bytes onto a channel, never touch shared
// state) and responder.go (the top-level construct/register/close
// lifecycle), generalized from two independent client/server halves with
// their own goroutine-per-concern model into one loop that merges network
// reads with internal/timerqueue's wakeups via select, and owns both query
// and response handling the teacher keeps in separate packages.
package server

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/joshuafuller/beacon/internal/announce"
	"github.com/joshuafuller/beacon/internal/cache"
	"github.com/joshuafuller/beacon/internal/entry"
	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/scheduler"
	"github.com/joshuafuller/beacon/internal/timerqueue"
	"github.com/joshuafuller/beacon/internal/transport"
	"github.com/joshuafuller/beacon/internal/wire"
)

// idleWakeup bounds how long Run blocks in select when the timer queue is
// empty, so a Close (ctx cancellation) is never more than this late.
const idleWakeup = time.Minute

// Config holds the embedder-tunable behavior §6's option table describes.
// The zero value is not valid; use NewConfig for the documented defaults.
type Config struct {
	UseIPv4 bool
	UseIPv6 bool

	CheckResponseTTL bool
	UseIffRunning    bool

	Reflector  bool
	ReflectIPv bool
}

// NewConfig returns the spec's documented defaults: both protocols
// enabled, conservative wire-safety checks on, reflector off.
func NewConfig() Config {
	return Config{
		UseIPv4:          true,
		UseIPv6:          true,
		CheckResponseTTL: true,
		UseIffRunning:    true,
	}
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger overrides the structured logger used for dropped packets and
// malformed input (slog.Default() otherwise).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the server's notion of "now", for deterministic
// tests driving the timer queue directly.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithInterfaceFilter overrides which system interfaces internal/iface
// joins (without it, internal/iface's default accepts every interface; the
// top-level package passes a filter built on internal/network.DefaultInterfaces).
func WithInterfaceFilter(f func(net.Interface) bool) Option {
	return func(s *Server) { s.ifaceFilter = f }
}

// WithCacheNotify installs a callback invoked whenever any interface's
// cache inserts or removes a record (refreshing an already-cached record
// notifies nothing), the event source browsers
// and resolvers (the top-level embedder API) watch instead of polling.
func WithCacheNotify(f func(*iface.Interface, cache.NotifyKind, *record.Record)) Option {
	return func(s *Server) { s.cacheNotify = f }
}

// ifaceState is the per-(device, protocol) scheduler and sender the
// server builds when internal/iface.Manager reports a newly joined
// interface, and tears down when it leaves.
type ifaceState struct {
	iface *iface.Interface
	sched *scheduler.Scheduler
}

// ifaceSender adapts internal/iface.Manager's multicast send into the
// single-method Sender shape both internal/scheduler and internal/announce
// expect, without either package importing internal/iface.
type ifaceSender struct {
	mgr *iface.Manager
	i   *iface.Interface
}

func (s ifaceSender) Send(ctx context.Context, packet []byte) error {
	return s.mgr.SendMulticast(ctx, s.i, packet)
}

// noopSender discards sends on behalf of an interface that went down
// between a scheduler/announcement decision and transmission.
type noopSender struct{}

func (noopSender) Send(context.Context, []byte) error { return nil }

// lazyPublisher breaks the construction cycle between internal/entry.Manager
// (which needs a Publisher at New) and internal/announce.Manager (which
// needs the already-constructed entry.Manager and Server as its
// LocalLookup/SenderFor). The real *announce.Manager is plugged in once
// built; every call made before then would be a programming error, since
// nothing can Add an entry before the server finishes constructing.
type lazyPublisher struct{ m *announce.Manager }

func (p *lazyPublisher) Announce(e *entry.Entry, ifaceKey string) { p.m.Announce(e, ifaceKey) }
func (p *lazyPublisher) Reannounce(e *entry.Entry)                { p.m.Reannounce(e) }
func (p *lazyPublisher) Withdraw(e *entry.Entry)                  { p.m.Withdraw(e) }
func (p *lazyPublisher) Goodbye(e *entry.Entry)                   { p.m.Goodbye(e) }

// legacySlot tracks one in-flight legacy-unicast query reflected to other
// interfaces (§4.8's optional legacy-unicast reflection): the rewritten ID
// is the map key in Server.legacySlots, and this records what to restore
// once a matching response arrives.
type legacySlot struct {
	originalID uint16
	src        net.Addr
	srcIface   *iface.Interface
	event      *timerqueue.Event
}

// Server is the top-level engine: every interface's cache and scheduler,
// the shared entry registry and announcer, and the single event loop that
// owns them all (§4.8, §9). Not safe for concurrent use outside Run/Close,
// by design — there is exactly one mutator goroutine.
type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	queue   *timerqueue.Queue
	ifaces  *iface.Manager
	entries *entry.Manager
	publish   *lazyPublisher
	announcer *announce.Manager

	ifaceFilter func(net.Interface) bool
	cacheNotify func(*iface.Interface, cache.NotifyKind, *record.Record)

	states map[string]*ifaceState // keyed by iface.Interface.Key()

	legacySlots  map[uint16]*legacySlot
	nextLegacyID uint16

	rateLimit *sourceRateLimiter

	incoming chan iface.Received
	cancel   context.CancelFunc
}

// Default per-source query rate limit: generous enough never to trip on
// legitimate multicast chatter, low enough to stop a misbehaving peer's
// flood before it drowns out the rest of the LAN.
const (
	defaultRateLimitThreshold = 100
	defaultRateLimitMaxEntries = 10_000
	rateLimitCleanupInterval  = 5 * time.Minute
)

// New constructs a Server bound to already-opened IPv4/IPv6 transports
// (either may be nil to run single-stack). It resolves the circular
// dependency among internal/iface.Manager (whose join/leave callbacks are
// baked in at construction), internal/entry.Manager (which needs a
// Publisher before internal/announce.Manager can exist), and
// internal/announce.Manager (which needs the Server as its SenderFor and
// the entry.Manager as its LocalLookup) with a single lazyPublisher
// indirection: Server and entry.Manager are built first, announce.Manager
// is built against their real pointers, and the lazyPublisher is wired to
// it last.
func New(v4 *transport.UDPv4Transport, v6 *transport.UDPv6Transport, cfg Config, opts ...Option) *Server {
	queue := timerqueue.New()

	s := &Server{
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		queue:       queue,
		states:      make(map[string]*ifaceState),
		legacySlots: make(map[uint16]*legacySlot),
		incoming:    make(chan iface.Received, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rateLimit = newSourceRateLimiter(s.now, defaultRateLimitThreshold, defaultRateLimitMaxEntries)

	s.publish = &lazyPublisher{}
	s.entries = entry.New(queue, s.publish, entry.WithClock(s.now))
	s.announcer = announce.New(queue, s, s.entries, announce.WithClock(s.now))
	s.publish.m = s.announcer

	ifaceOpts := []iface.Option{
		iface.WithOnJoin(s.onIfaceJoin),
		iface.WithOnLeave(s.onIfaceLeave),
	}
	if s.ifaceFilter != nil {
		ifaceOpts = append(ifaceOpts, iface.WithFilter(s.ifaceFilter))
	}
	if s.cacheNotify != nil {
		ifaceOpts = append(ifaceOpts, iface.WithCacheNotify(s.cacheNotify))
	}
	s.ifaces = iface.NewManager(v4, v6, queue, ifaceOpts...)

	return s
}

// Interfaces returns the server's interface manager, for the embedder
// layer to Refresh on startup and on a periodic hotplug ticker.
func (s *Server) Interfaces() *iface.Manager { return s.ifaces }

// Entries returns the server's entry/entry-group registry, the embedder
// layer's publish surface (§6's group API).
func (s *Server) Entries() *entry.Manager { return s.entries }

// PostQuery asks every joined interface's scheduler to send an
// active query for key, the embedder layer's browse/resolve surface's way
// of triggering discovery instead of waiting on unsolicited announcements.
func (s *Server) PostQuery(key record.Key) {
	for _, st := range s.states {
		st.sched.PostQuery(key, false)
	}
}

// CacheSnapshot returns every record matching key currently cached across
// all joined interfaces, for a browser/resolver to seed its initial
// result set before relying on cache-notify events for updates.
func (s *Server) CacheSnapshot(key record.Key) []*record.Record {
	var out []*record.Record
	for _, st := range s.states {
		out = append(out, st.iface.Cache.LookupKey(key)...)
	}
	return out
}

func (s *Server) onIfaceJoin(i *iface.Interface) {
	sender := ifaceSender{mgr: s.ifaces, i: i}
	sched := scheduler.New(s.queue, i.Cache, s.entries, sender, scheduler.WithClock(s.now))
	s.states[i.Key()] = &ifaceState{iface: i, sched: sched}
}

func (s *Server) onIfaceLeave(i *iface.Interface) {
	if st, ok := s.states[i.Key()]; ok {
		st.sched.FlushResponses()
		delete(s.states, i.Key())
	}
}

// SenderFor satisfies internal/announce.SenderFor: it resolves the live
// per-interface multicast sender, or a no-op if the interface has since
// gone down.
func (s *Server) SenderFor(ifaceKey string) announce.Sender {
	if st, ok := s.states[ifaceKey]; ok {
		return ifaceSender{mgr: s.ifaces, i: st.iface}
	}
	return noopSender{}
}

// Run drives the event loop until ctx is canceled: two receiver goroutines
// forward raw datagrams onto s.incoming, and the loop here merges that
// channel with the timer queue's next wakeup via select, so every mutation
// of shared state (caches, schedulers, entries, announcements) happens on
// this one goroutine (§9).
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	go s.receiveLoop(ctx, iface.ProtocolIPv4)
	go s.receiveLoop(ctx, iface.ProtocolIPv6)

	for {
		wait := idleWakeup
		if at, ok := s.queue.NextWakeup(); ok {
			if d := at.Sub(s.now()); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case now := <-timer.C:
			s.queue.Run(now)
		case r := <-s.incoming:
			timer.Stop()
			s.dispatch(r)
		}
	}
}

// Close stops the event loop and the interface manager's sockets.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.ifaces.Close()
}

func (s *Server) receiveLoop(ctx context.Context, proto iface.Protocol) {
	for {
		var r *iface.Received
		var err error
		switch proto {
		case iface.ProtocolIPv4:
			r, err = s.ifaces.ReceiveV4()
		case iface.ProtocolIPv6:
			r, err = s.ifaces.ReceiveV6()
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Debug("receive failed", "protocol", proto, "error", err)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case s.incoming <- *r:
		}
	}
}

// dispatch is the single entry point every inbound datagram passes
// through (§4.8): identify the receiving interface, reject malformed or
// nonconformant packets, and branch on query vs response.
func (s *Server) dispatch(r iface.Received) {
	i := s.ifaces.Lookup(r.IfIndex, r.Protocol)
	if i == nil {
		return // interface went down between the read and this dispatch
	}
	if udpAddr, ok := r.Src.(*net.UDPAddr); ok {
		if !i.SourceInScope(udpAddr.IP) {
			s.logger.Debug("dropping out-of-scope source", "interface", i.Key(), "src", udpAddr.IP)
			return
		}
		if !s.rateLimit.allow(udpAddr.IP) {
			s.logger.Debug("dropping packet from rate-limited source", "interface", i.Key(), "src", udpAddr.IP)
			return
		}
	}

	msg, err := wire.ParsePacket(r.Data)
	if err != nil {
		s.logger.Debug("dropping malformed packet", "interface", i.Key(), "error", err)
		return
	}
	if err := protocol.ValidateResponseFlags(msg.Flags); err != nil {
		s.logger.Debug("dropping nonconformant packet", "interface", i.Key(), "error", err)
		return
	}

	if !msg.IsQuery() {
		s.dispatchResponse(r, i, msg)
		return
	}

	legacyUnicast := false
	if udpAddr, ok := r.Src.(*net.UDPAddr); ok {
		legacyUnicast = udpAddr.Port != protocol.Port
	}
	s.handleQuery(r, i, msg, legacyUnicast)
	s.entries.Sweep()
}

func (s *Server) dispatchResponse(r iface.Received, i *iface.Interface, msg *wire.Message) {
	if s.cfg.Reflector {
		if slot, ok := s.legacySlots[msg.ID]; ok {
			s.forwardLegacyResponse(msg.ID, slot, r.Data)
		}
	}
	if s.cfg.CheckResponseTTL && r.TTL >= 0 && r.TTL != protocol.MulticastHopLimit {
		return
	}
	s.handleResponse(r, i, msg)
	s.entries.Sweep()
}

func (s *Server) ifaceState(i *iface.Interface) *ifaceState {
	return s.states[i.Key()]
}

// --- Query handling (§4.8) ----------------------------------------------

func (s *Server) handleQuery(r iface.Received, i *iface.Interface, msg *wire.Message, legacyUnicast bool) {
	if s.cfg.Reflector {
		s.reflect(i, r.Data)
	}

	if legacyUnicast {
		s.legacyUnicastResponse(i, msg, r.Src)
		if s.cfg.Reflector {
			s.reflectLegacyQuery(i, r, msg)
		}
		return
	}

	st := s.ifaceState(i)
	if st == nil {
		return
	}

	var unicastRecords []*record.Record
	var unicastFlush []bool
	for _, q := range msg.Questions {
		st.sched.IncomingQuery(q.Key)
		s.answerQuestion(i, st, q, &unicastRecords, &unicastFlush)
	}
	if len(unicastRecords) > 0 {
		s.sendDirect(i, r.Src, unicastRecords, unicastFlush)
	}

	for _, ka := range msg.Answers {
		s.handleConflict(i, ka.Record, ka.CacheFlush)
		for _, ours := range s.entries.Lookup(ka.Record.Key) {
			st.sched.SuppressKnownAnswer(ours, ka.Record)
		}
	}

	for _, auth := range msg.Authorities {
		s.incomingProbe(i, auth.Record)
	}
}

// answerQuestion prepares the locally-registered responses matching q,
// scoped to i: established entries bound to this interface (or unbound to
// every interface). A unicast-requested question (the QU bit) is
// accumulated into unicastRecords/unicastFlush for a single direct reply
// packet covering the whole query, rather than queued through the
// scheduler's jittered multicast path — QU exists precisely to ask for a
// prompt unicast reply (RFC 6762 §5.4).
func (s *Server) answerQuestion(i *iface.Interface, st *ifaceState, q wire.Question, unicastRecords *[]*record.Record, unicastFlush *[]bool) {
	for _, e := range s.entries.EntriesMatching(q.Key) {
		if !s.entryInScope(e, i) || e.Group.State() != entry.StateEstablished {
			continue
		}
		if q.UnicastResponse {
			*unicastRecords = append(*unicastRecords, e.Record)
			*unicastFlush = append(*unicastFlush, e.Flags.Has(entry.FlagUnique))
			continue
		}
		st.sched.PostResponse(e.Record, e.Flags.Has(entry.FlagUnique), nil, false, false, false)
	}
}

func (s *Server) entryInScope(e *entry.Entry, i *iface.Interface) bool {
	return e.IfaceKey == "" || e.IfaceKey == i.Key()
}

// legacyUnicastResponse builds the single bounded-size reply a legacy
// (non-5353-source-port) querier expects (§4.8's legacy-unicast mode): the
// echoed questions plus as many matching answers as fit, sent directly
// back to the querier rather than scheduled or multicast.
func (s *Server) legacyUnicastResponse(i *iface.Interface, msg *wire.Message, src net.Addr) {
	p := wire.NewPacket(protocol.LegacyUnicastSize)
	p.SetHeader(msg.ID, protocol.FlagQR|protocol.FlagAA)

	qn := 0
	for _, q := range msg.Questions {
		if err := p.AppendQuestion(q.Key, false); err != nil {
			break
		}
		qn++
	}

	an := 0
	for _, q := range msg.Questions {
		for _, e := range s.entries.EntriesMatching(q.Key) {
			if !s.entryInScope(e, i) || e.Group.State() != entry.StateEstablished {
				continue
			}
			if err := p.AppendRecord(e.Record, false); err != nil {
				continue // doesn't fit: fill with what does (§4.8)
			}
			an++
		}
	}

	if an == 0 {
		return
	}
	_ = s.ifaces.SendUnicast(context.Background(), i.Protocol, p.Finish(qn, an, 0, 0), src)
}

// sendDirect builds and sends one normal-size (growing to MaxPacketSize if
// needed) unicast reply, for QU-requested questions outside legacy mode.
func (s *Server) sendDirect(i *iface.Interface, dest net.Addr, records []*record.Record, flush []bool) {
	size := protocol.DefaultPacketSize
	p := wire.NewPacket(size)
	p.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
	count := 0
	for idx, r := range records {
		if err := p.AppendRecord(r, flush[idx]); err != nil {
			if size >= protocol.MaxPacketSize {
				continue
			}
			size = protocol.MaxPacketSize
			grown := wire.NewPacket(size)
			grown.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
			p = grown
			if err := p.AppendRecord(r, flush[idx]); err != nil {
				continue
			}
		}
		count++
	}
	if count == 0 {
		return
	}
	_ = s.ifaces.SendUnicast(context.Background(), i.Protocol, p.Finish(0, count, 0, 0), dest)
}

// incomingProbe applies the probe tie-break of §4.8 to an incoming
// authority record: for each local entry sharing its key that is itself
// still PROBING on i, compare lexicographically (internal/record.Compare).
// We win ties and ignore; losing withdraws our rrset and moves the group
// to COLLISION for the embedder to Commit again later; an exact match is
// not a conflict at all.
func (s *Server) incomingProbe(i *iface.Interface, probe *record.Record) {
	for _, e := range s.entries.EntriesMatching(probe.Key) {
		if !s.entryInScope(e, i) || !s.announcer.IsProbing(e, i.Key()) {
			continue
		}
		switch {
		case record.Compare(e.Record, probe) > 0: // we win, ignore
		case record.Compare(e.Record, probe) < 0: // we lose
			s.announcer.Withdraw(e)
			if e.Group != nil {
				s.entries.Collide(e.Group)
			}
		default: // identical rdata, no conflict
		}
	}
}

// --- Response handling (§4.8) -------------------------------------------

func (s *Server) handleResponse(r iface.Received, i *iface.Interface, msg *wire.Message) {
	if s.cfg.Reflector {
		s.reflect(i, r.Data)
	}

	st := s.ifaceState(i)
	for _, sections := range [][]wire.ParsedRecord{msg.Answers, msg.Additionals} {
		for _, pr := range sections {
			s.handleConflict(i, pr.Record, pr.CacheFlush)
			i.Cache.Update(pr.Record, pr.CacheFlush)
			if st != nil {
				st.sched.IncomingResponse(pr.Record)
			}
		}
	}
}

// handleConflict runs the four-case conflict-handling rule of §4.8 for one
// incoming record rec against every local entry sharing its key on i:
//
//  1. rec is a goodbye matching a local entry's rdata: refresh (re-offer
//     our copy rather than let the goodbye stand, since we're still
//     alive).
//  2. Neither side is UNIQUE: no conflict, ignore.
//  3. rec matches our rdata exactly and its TTL has dropped to at most
//     half ours while our entry is ESTABLISHED: refresh (the peer's
//     cached copy is going stale).
//  4. rec's rdata differs from ours: a genuine conflict. An ESTABLISHED
//     entry resets its announcement (back to PROBING if UNIQUE,
//     otherwise a fresh announce); a still-PROBING entry has lost and
//     withdraws.
func (s *Server) handleConflict(i *iface.Interface, rec *record.Record, cacheFlush bool) {
	st := s.ifaceState(i)
	for _, e := range s.entries.EntriesMatching(rec.Key) {
		if !s.entryInScope(e, i) {
			continue
		}
		switch {
		case rec.IsGoodbye() && record.EqualNoTTL(rec, e.Record):
			if st != nil {
				st.sched.PostResponse(e.Record, e.Flags.Has(entry.FlagUnique), nil, false, false, false)
			}
		case !cacheFlush && !e.Flags.Has(entry.FlagUnique):
			// neither side UNIQUE: no conflict
		case record.EqualNoTTL(rec, e.Record):
			if st != nil && rec.TTL <= e.Record.TTL/2 && e.Group != nil && e.Group.State() == entry.StateEstablished {
				st.sched.PostResponse(e.Record, e.Flags.Has(entry.FlagUnique), nil, false, false, false)
			}
		default:
			if e.Group != nil && e.Group.State() == entry.StateEstablished {
				s.announcer.Reannounce(e)
			} else if s.announcer.IsProbing(e, i.Key()) {
				s.announcer.Withdraw(e)
				if e.Group != nil {
					s.entries.Collide(e.Group)
				}
			}
		}
	}
}

// --- Reflector (§4.8, optional) ------------------------------------------

// reflect copies raw traffic received on origin to every other interface
// (cross-protocol only when ReflectIPv is set), so peers segmented onto a
// different link still see it.
func (s *Server) reflect(origin *iface.Interface, raw []byte) {
	s.ifaces.Walk(origin.Protocol, true, func(other *iface.Interface) bool {
		if other == origin {
			return true
		}
		if !s.cfg.ReflectIPv && other.Protocol != origin.Protocol {
			return true
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		_ = s.ifaces.SendMulticast(context.Background(), other, cp)
		return true
	})
}

// reflectLegacyQuery relays a legacy-unicast query to every other
// interface so peers on that segment (which only listen for multicast
// traffic) can answer too. The query's ID is rewritten and a legacySlot
// remembers how to restore it and where to forward a matching response,
// expiring after protocol.LegacyUnicastSlotTimeout if nothing answers
// (§4.8).
func (s *Server) reflectLegacyQuery(origin *iface.Interface, r iface.Received, msg *wire.Message) {
	newID := s.nextLegacyID
	s.nextLegacyID++

	slot := &legacySlot{originalID: msg.ID, src: r.Src, srcIface: origin}
	s.legacySlots[newID] = slot
	slot.event = s.queue.Add(s.now().Add(protocol.LegacyUnicastSlotTimeout), func(time.Time) {
		delete(s.legacySlots, newID)
	})

	rewritten := make([]byte, len(r.Data))
	copy(rewritten, r.Data)
	binary.BigEndian.PutUint16(rewritten[0:2], newID)

	s.ifaces.Walk(origin.Protocol, true, func(other *iface.Interface) bool {
		if other == origin {
			return true
		}
		if !s.cfg.ReflectIPv && other.Protocol != origin.Protocol {
			return true
		}
		cp := make([]byte, len(rewritten))
		copy(cp, rewritten)
		_ = s.ifaces.SendMulticast(context.Background(), other, cp)
		return true
	})
}

// forwardLegacyResponse restores a reflected legacy query's original ID
// and forwards the response back to the original unicast querier via the
// interface it arrived on, closing out the slot.
func (s *Server) forwardLegacyResponse(id uint16, slot *legacySlot, raw []byte) {
	s.queue.Cancel(slot.event)
	delete(s.legacySlots, id)

	rewritten := make([]byte, len(raw))
	copy(rewritten, raw)
	binary.BigEndian.PutUint16(rewritten[0:2], slot.originalID)

	_ = s.ifaces.SendUnicast(context.Background(), slot.srcIface.Protocol, rewritten, slot.src)
}
