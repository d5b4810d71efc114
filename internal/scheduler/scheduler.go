// Package scheduler implements the per-interface query/response/probe
// scheduler (§4.4 of the spec): it aggregates pending outgoing questions
// and answers into as few packets as possible, suppresses duplicates
// already seen from peers within a short history window, defers outgoing
// traffic by a small jitter so bursts coalesce, and truncates responses
// that don't fit a single packet.
//
// Grounded on original_source/psched.c's flxPacketScheduler (three job
// lists plus time-event driven firing), reworked against
// internal/timerqueue instead of a raw GTimeVal time-event queue and
// against internal/record.Key/Record instead of flxKey/flxRecord. The
// truncation/packing rules and known-answer accumulation come from the
// teacher's internal/responder/response_builder.go (greedy packing,
// graceful truncation at the packet size limit) generalized from a single
// fixed-size estimate into the spec's three-rule truncate-and-retry
// sequence. RR_HOLDOFF rate limiting is not implemented in this package —
// it belongs to the entry-group commit described in §4.6 — but the
// sliding-window counting idiom it will reuse is the one
// internal/security/rate_limiter.go demonstrates.
package scheduler

import (
	"context"
	"crypto/rand"
	"math/big"
	"net"
	"time"

	"github.com/joshuafuller/beacon/internal/cache"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
	"github.com/joshuafuller/beacon/internal/wire"
)

// QueryJob is a scheduled outgoing question, or (once done) a suppression
// history entry for one (§4.4).
type QueryJob struct {
	Key      record.Key
	Delivery time.Time
	Done     bool

	event *timerqueue.Event
}

// ResponseJob is a scheduled outgoing answer, or (once done) a
// suppression history entry for one (§4.4).
type ResponseJob struct {
	Record      *record.Record
	FlushCache  bool
	QuerierAddr net.Addr // nil once the job has become broadcast-relevant
	Unicast     bool     // the triggering question set the QU bit
	Auxiliary   bool     // enumerated via a PTR/SRV, never forces a flush

	Delivery time.Time
	Done     bool

	event *timerqueue.Event
}

// LocalLookup resolves the records an embedder currently publishes,
// keyed and pattern-matched the way internal/record.Key.Matches expects.
// internal/entry's registry satisfies this; the scheduler only needs it
// to enumerate a PTR/SRV record's auxiliary records.
type LocalLookup interface {
	Lookup(key record.Key) []*record.Record
}

// Sender transmits one already-assembled packet on the interface this
// Scheduler serves.
type Sender interface {
	Send(ctx context.Context, packet []byte) error
}

// Scheduler is one interface's query/response job scheduler. Not safe for
// concurrent use — owned by the single server event-loop goroutine
// (§9), same as internal/cache and internal/timerqueue.
type Scheduler struct {
	queue *timerqueue.Queue
	cache *cache.Cache
	local LocalLookup
	send  Sender

	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	queryJobs    []*QueryJob
	responseJobs []*ResponseJob

	onDrop func(r *record.Record, reason string)
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(s *Scheduler) { s.jitter = j }
}

// WithDropHook registers a callback invoked when a record is dropped
// because it cannot fit any packet (truncation rule 3, §4.4).
func WithDropHook(f func(r *record.Record, reason string)) Option {
	return func(s *Scheduler) { s.onDrop = f }
}

// New constructs a Scheduler over queue (the interface's shared
// timer-event queue), c (the interface's cache, walked for known
// answers), local (the embedder's published records, for auxiliary
// enumeration), and send (the transport used to emit assembled packets).
func New(queue *timerqueue.Queue, c *cache.Cache, local LocalLookup, send Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:  queue,
		cache:  c,
		local:  local,
		send:   send,
		now:    time.Now,
		jitter: defaultJitter,
		onDrop: func(*record.Record, string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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

// --- Queries ---------------------------------------------------------

func (s *Scheduler) findQuery(key record.Key) *QueryJob {
	for _, qj := range s.queryJobs {
		if qj.Key == key {
			return qj
		}
	}
	return nil
}

func (s *Scheduler) removeQuery(qj *QueryJob) {
	s.queue.Cancel(qj.event)
	for i, other := range s.queryJobs {
		if other == qj {
			s.queryJobs = append(s.queryJobs[:i], s.queryJobs[i+1:]...)
			return
		}
	}
}

// PostQuery schedules an outgoing question for key, deferred by
// QUERY_DEFER unless immediately is true. If a job for key already fired
// within QUERY_HISTORY, the new request is dropped as a duplicate
// question (§4.4).
func (s *Scheduler) PostQuery(key record.Key, immediately bool) {
	defer_ := protocol.QueryDefer
	if immediately {
		defer_ = 0
	}
	at := s.now().Add(defer_)

	if qj := s.findQuery(key); qj != nil {
		d := at.Sub(qj.Delivery)
		if d >= 0 && d <= protocol.QueryHistory {
			return // duplicate-question suppression
		}
		s.removeQuery(qj)
	}

	qj := &QueryJob{Key: key, Delivery: at}
	qj.event = s.queue.Add(at, func(now time.Time) { s.fireQuery(now, qj) })
	s.queryJobs = append(s.queryJobs, qj)
}

// IncomingQuery suppresses our own pending question for key because a
// peer already asked it (§4.4's duplicate-question suppression on
// observed traffic).
func (s *Scheduler) IncomingQuery(key record.Key) {
	qj := s.findQuery(key)
	if qj != nil {
		if qj.Done {
			return
		}
		s.queue.Cancel(qj.event)
	} else {
		qj = &QueryJob{Key: key}
		s.queryJobs = append(s.queryJobs, qj)
	}

	qj.Done = true
	qj.Delivery = s.now()
	expiry := qj.Delivery.Add(protocol.QueryHistory)
	qj.event = s.queue.Add(expiry, func(now time.Time) { s.fireQuery(now, qj) })
}

func (s *Scheduler) fireQuery(now time.Time, qj *QueryJob) {
	if qj.Done {
		s.removeQuery(qj)
		return
	}

	p := wire.NewPacket(protocol.DefaultPacketSize)
	p.SetHeader(0, 0)

	n := 0
	for _, job := range s.queryJobs {
		if job.Done {
			continue
		}
		if err := p.AppendQuestion(job.Key, false); err != nil {
			break
		}
		s.appendKnownAnswers(p, job.Key)
		job.Done = true
		job.Delivery = now
		expiry := now.Add(protocol.QueryHistory)
		s.queue.Cancel(job.event)
		job.event = s.queue.Add(expiry, func(t time.Time) { s.fireQuery(t, job) })
		n++
	}

	if n == 0 {
		return
	}
	packet := p.Finish(n, 0, 0, 0)
	_ = s.send.Send(context.Background(), packet)
}

// appendKnownAnswers walks the interface cache for key and appends every
// non-half-expired matching record to the packet's answer-like known-answer
// section, so the querier doesn't make us repeat records it already has
// fresh copies of (§4.4, §4.2's HalfTTLElapsed).
func (s *Scheduler) appendKnownAnswers(p *wire.Packet, key record.Key) {
	if s.cache == nil {
		return
	}
	s.cache.Walk(key, func(r *record.Record) bool {
		if s.cache.HalfTTLElapsed(r) {
			return true
		}
		_ = p.AppendRecord(r, false)
		return true
	})
}

// --- Responses ---------------------------------------------------------

func (s *Scheduler) findResponse(r *record.Record) *ResponseJob {
	for _, rj := range s.responseJobs {
		if record.EqualNoTTL(rj.Record, r) {
			return rj
		}
	}
	return nil
}

func (s *Scheduler) removeResponse(rj *ResponseJob) {
	s.queue.Cancel(rj.event)
	for i, other := range s.responseJobs {
		if other == rj {
			s.responseJobs = append(s.responseJobs[:i], s.responseJobs[i+1:]...)
			return
		}
	}
}

// PostResponse schedules record r to be sent with the given cache-flush
// bit, in reply to querierAddr (nil for broadcast-relevant multicast
// responses). unicast records that the triggering question set the QU bit;
// the job is still sent through the Scheduler's Sender like every other
// response. Auxiliary marks the job as
// enumerated from another record (never forces immediate flushing, never
// counted toward "does a response already exist" duplicate logic beyond
// what §4.4 already specifies).
func (s *Scheduler) PostResponse(r *record.Record, flushCache bool, querierAddr net.Addr, unicast, auxiliary, immediately bool) {
	defer_ := protocol.ResponseDefer
	jitter := time.Duration(0)
	if !immediately {
		jitter = s.jitter(protocol.ResponseJitter)
	} else {
		defer_ = 0
	}
	at := s.now().Add(defer_ + jitter)

	if rj := s.findResponse(r); rj != nil {
		sameGoodbye := rj.Record.IsGoodbye() == r.IsGoodbye()
		d := at.Sub(rj.Delivery)
		if sameGoodbye && d >= 0 && d <= protocol.ResponseHistory {
			// Already scheduled/sent recently: fold the new request into
			// the existing job instead of duplicating it (§4.4).
			if rj.QuerierAddr != nil && (querierAddr == nil || !sameAddr(rj.QuerierAddr, querierAddr)) {
				rj.QuerierAddr = nil // now broadcast-relevant
			}
			rj.FlushCache = flushCache
			return
		}
		s.removeResponse(rj)
	}

	rj := &ResponseJob{Record: r, FlushCache: flushCache, QuerierAddr: querierAddr, Unicast: unicast, Auxiliary: auxiliary, Delivery: at}
	rj.event = s.queue.Add(at, func(now time.Time) { s.fireResponse(now, rj, true) })
	s.responseJobs = append(s.responseJobs, rj)
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}

// IncomingResponse applies duplicate-answer suppression to a record a
// peer just multicast: if we had the same (non-goodbye-conflicting)
// answer scheduled, mark it done/history instead of re-sending it
// ourselves (§4.4).
func (s *Scheduler) IncomingResponse(r *record.Record) {
	rj := s.findResponse(r)
	if rj == nil {
		rj = &ResponseJob{Record: r}
		s.responseJobs = append(s.responseJobs, rj)
		s.markResponseDone(rj)
		return
	}

	sameGoodbye := rj.Record.IsGoodbye() == r.IsGoodbye()
	if rj.Done {
		if sameGoodbye {
			return // already in our history
		}
		s.removeResponse(rj)
		rj = &ResponseJob{Record: r}
		s.responseJobs = append(s.responseJobs, rj)
		s.markResponseDone(rj)
		return
	}

	if sameGoodbye {
		s.markResponseDone(rj)
		return
	}
	// conflicting goodbye/non-goodbye: ignore the incoming record
}

func (s *Scheduler) markResponseDone(rj *ResponseJob) {
	rj.Done = true
	rj.Delivery = s.now()
	s.queue.Cancel(rj.event)
	expiry := rj.Delivery.Add(protocol.ResponseHistory)
	rj.event = s.queue.Add(expiry, func(now time.Time) { s.fireResponse(now, rj, false) })
}

// SuppressKnownAnswer drops our pending response for r if a question's
// known-answer list shows the querier's copy is fresh enough (TTL at
// least half ours), per §4.4's known-answer suppression on input.
func (s *Scheduler) SuppressKnownAnswer(ourRecord, knownAnswer *record.Record) {
	if !record.EqualNoTTL(ourRecord, knownAnswer) {
		return
	}
	if knownAnswer.TTL < ourRecord.TTL/2 {
		return
	}
	if rj := s.findResponse(ourRecord); rj != nil && !rj.Done {
		s.removeResponse(rj)
	}
}

func (s *Scheduler) fireResponse(now time.Time, rj *ResponseJob, primary bool) {
	if rj.Done && !primary {
		s.removeResponse(rj)
		return
	}
	if rj.Done {
		return
	}
	s.sendResponsePacket(now, rj)
}

// sendResponsePacket builds and sends one packet containing rj (if
// non-nil) plus as many other pending, not-done response jobs as fit,
// applying the truncate-and-retry sequence of §4.4: emit-and-continue on
// overflow with at least one answer queued, grow the packet if the very
// first record in an otherwise-empty packet doesn't fit, and drop with a
// log if it still doesn't fit even at MaxPacketSize.
func (s *Scheduler) sendResponsePacket(now time.Time, primary *ResponseJob) {
	pending := make([]*ResponseJob, 0, len(s.responseJobs)+1)
	if primary != nil {
		pending = append(pending, primary)
	}
	for _, rj := range s.responseJobs {
		if rj == primary || rj.Done {
			continue
		}
		pending = append(pending, rj)
	}

	size := protocol.DefaultPacketSize
	p := wire.NewPacket(size)
	p.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
	count := 0

	flushAndReset := func() {
		packet := p.Finish(0, count, 0, 0)
		_ = s.send.Send(context.Background(), packet)
		p = wire.NewPacket(size)
		p.SetHeader(0, protocol.FlagQR|protocol.FlagAA|protocol.FlagTC)
		count = 0
	}

	for _, rj := range pending {
		appended := false
		for {
			if err := p.AppendRecord(rj.Record, rj.FlushCache); err == nil {
				appended = true
				break
			}

			if count > 0 {
				flushAndReset()
				continue
			}
			if size < protocol.MaxPacketSize {
				size = protocol.MaxPacketSize
				p = wire.NewPacket(size)
				p.SetHeader(0, protocol.FlagQR|protocol.FlagAA)
				continue
			}

			s.onDrop(rj.Record, "record too large for maximum packet size")
			break
		}

		if !appended {
			continue
		}
		count++
		rj.Done = true
		rj.Delivery = now
		s.queue.Cancel(rj.event)
		expiry := now.Add(protocol.ResponseHistory)
		rj.event = s.queue.Add(expiry, func(t time.Time) { s.fireResponse(t, rj, false) })
	}

	if count == 0 {
		return
	}
	packet := p.Finish(0, count, 0, 0)
	_ = s.send.Send(context.Background(), packet)
}

// FlushResponses force-sends every not-done response job regardless of
// schedule, used when an interface goes down (§4.4).
func (s *Scheduler) FlushResponses() {
	for _, rj := range s.responseJobs {
		if !rj.Done {
			s.sendResponsePacket(s.now(), rj)
		}
	}
}

// AuxiliaryRecords enumerates the records a PTR or SRV record should
// bring along: a PTR's target SRV/TXT records, or an SRV's target
// A/AAAA records (§4.4's auxiliary-record rule).
func (s *Scheduler) AuxiliaryRecords(r *record.Record) []*record.Record {
	if s.local == nil {
		return nil
	}

	switch data := r.Data.(type) {
	case record.PTRData:
		matches := s.local.Lookup(record.NewKey(data.Target, protocol.TypeANY, protocol.ClassIN))
		aux := make([]*record.Record, 0, len(matches))
		for _, m := range matches {
			if m.Key.Type == protocol.TypeSRV || m.Key.Type == protocol.TypeTXT {
				aux = append(aux, m)
			}
		}
		return aux
	case record.SRVData:
		matches := s.local.Lookup(record.NewKey(data.Target, protocol.TypeANY, protocol.ClassIN))
		aux := make([]*record.Record, 0, len(matches))
		for _, m := range matches {
			if m.Key.Type == protocol.TypeA || m.Key.Type == protocol.TypeAAAA {
				aux = append(aux, m)
			}
		}
		return aux
	default:
		return nil
	}
}
