package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/joshuafuller/beacon/internal/cache"
	"github.com/joshuafuller/beacon/internal/entry"
	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/scheduler"
	"github.com/joshuafuller/beacon/internal/wire"
)

type fakeSender struct{ sent [][]byte }

func (f *fakeSender) Send(_ context.Context, packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.sent = append(f.sent, cp)
	return nil
}

func noJitter(time.Duration) time.Duration { return 0 }

func aKey(name string) record.Key {
	return record.NewKey(name, protocol.TypeA, protocol.ClassIN)
}

func aRecord(name string, ttl uint32) *record.Record {
	return record.New(aKey(name), ttl, record.AData{Addr: [4]byte{10, 0, 0, 1}})
}

// newTestServer builds a Server with no real transports (both nil, so
// iface.Manager never opens a socket) and a single fabricated interface
// wired into its state table directly, bypassing Refresh (which would
// enumerate the host's actual interfaces). The fake clock drives every
// timer-queue consumer the Server wires together (entries, announcer,
// and the per-interface scheduler built here), so probe/announce/response
// timing is deterministic and advanced only by runQueue.
func newTestServer(t *testing.T, clock func() time.Time) (*Server, *iface.Interface, *ifaceState, *fakeSender) {
	t.Helper()
	s := New(nil, nil, NewConfig(), WithClock(clock))

	i := &iface.Interface{
		HW:       net.Interface{Index: 1, Name: "eth0"},
		Protocol: iface.ProtocolIPv4,
		Cache:    cache.New(s.queue, cache.WithClock(clock)),
	}
	sender := &fakeSender{}
	sched := scheduler.New(s.queue, i.Cache, s.entries, sender,
		scheduler.WithClock(clock), scheduler.WithJitter(noJitter))
	st := &ifaceState{iface: i, sched: sched}
	s.states[i.Key()] = st
	return s, i, st, sender
}

// runQueue drains every currently-scheduled event, advancing clock (a
// *time.Time the test's clock closure reads from) to each event's wake
// time in turn, mirroring the drain loop internal/announce's tests use.
func runQueue(s *Server, now *time.Time) {
	for {
		at, ok := s.queue.NextWakeup()
		if !ok {
			return
		}
		*now = at
		s.queue.Run(at)
	}
}

func establishedEntry(t *testing.T, s *Server, ifaceKey string, flags entry.Flags, name string, ttl uint32) (*entry.EntryGroup, *entry.Entry) {
	t.Helper()
	g := s.entries.NewGroup()
	s.entries.Commit(g)
	g.IncrementProbing()
	g.DecrementProbing()
	e, err := s.entries.Add(g, ifaceKey, int(iface.ProtocolIPv4), flags, aRecord(name, ttl))
	if err != nil {
		t.Fatalf("entries.Add: %v", err)
	}
	return g, e
}

func TestEntryInScope(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })

	e := &entry.Entry{IfaceKey: ""}
	if !s.entryInScope(e, i) {
		t.Error("unbound entry (IfaceKey \"\") should be in scope on every interface")
	}
	e.IfaceKey = i.Key()
	if !s.entryInScope(e, i) {
		t.Error("entry bound to i.Key() should be in scope on i")
	}
	e.IfaceKey = "other/0"
	if s.entryInScope(e, i) {
		t.Error("entry bound to a different interface should be out of scope")
	}
}

func TestAnswerQuestionMulticastGoesThroughScheduler(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, st, sender := newTestServer(t, func() time.Time { return now })
	establishedEntry(t, s, i.Key(), 0, "host.local", 120)

	q := wire.Question{Key: aKey("host.local"), UnicastResponse: false}
	var unicastRecords []*record.Record
	var unicastFlush []bool
	s.answerQuestion(i, st, q, &unicastRecords, &unicastFlush)

	if len(unicastRecords) != 0 {
		t.Fatalf("multicast question accumulated %d unicast records, want 0", len(unicastRecords))
	}
	if len(sender.sent) != 0 {
		t.Errorf("multicast question sent %d packets synchronously, want 0 (scheduled, not immediate)", len(sender.sent))
	}

	runQueue(s, &now)
	if len(sender.sent) == 0 {
		t.Error("draining the queue should have fired the scheduled multicast response")
	}
}

func TestAnswerQuestionUnicastBatchesIntoAccumulator(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, st, _ := newTestServer(t, func() time.Time { return now })
	establishedEntry(t, s, i.Key(), entry.FlagUnique, "host.local", 120)

	q := wire.Question{Key: aKey("host.local"), UnicastResponse: true}
	var unicastRecords []*record.Record
	var unicastFlush []bool
	s.answerQuestion(i, st, q, &unicastRecords, &unicastFlush)

	if len(unicastRecords) != 1 {
		t.Fatalf("unicast question accumulated %d records, want 1", len(unicastRecords))
	}
	if !unicastFlush[0] {
		t.Error("UNIQUE entry's accumulated flush flag = false, want true")
	}
}

func TestAnswerQuestionSkipsOutOfScopeEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, st, sender := newTestServer(t, func() time.Time { return now })
	establishedEntry(t, s, "other/0", 0, "host.local", 120)

	q := wire.Question{Key: aKey("host.local")}
	var unicastRecords []*record.Record
	var unicastFlush []bool
	s.answerQuestion(i, st, q, &unicastRecords, &unicastFlush)

	runQueue(s, &now)
	if len(sender.sent) != 0 {
		t.Error("entry bound to a different interface should never have been scheduled or sent")
	}
}

func TestHandleConflictIgnoredWhenNeitherSideUnique(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })
	_, e := establishedEntry(t, s, i.Key(), 0, "shared.local", 120)

	other := record.New(aKey("shared.local"), 120, record.AData{Addr: [4]byte{10, 0, 0, 2}})
	s.handleConflict(i, other, false)

	if s.announcer.IsProbing(e, i.Key()) {
		t.Error("non-unique, non-flush conflict should never start probing")
	}
}

func TestHandleConflictGoodbyeRefreshesMatchingEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, sender := newTestServer(t, func() time.Time { return now })
	establishedEntry(t, s, i.Key(), 0, "host.local", 120)

	goodbye := record.New(aKey("host.local"), 0, record.AData{Addr: [4]byte{10, 0, 0, 1}})
	s.handleConflict(i, goodbye, false)
	runQueue(s, &now)

	if len(sender.sent) == 0 {
		t.Error("goodbye matching our rdata should have scheduled and sent a refresh response")
	}
}

func TestHandleConflictDefaultReannouncesEstablishedUniqueEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })
	_, e := establishedEntry(t, s, i.Key(), entry.FlagUnique, "host.local", 120)
	s.announcer.Announce(e, i.Key()) // no-op: Add already created e's announcement (PROBING, since UNIQUE)

	differing := record.New(aKey("host.local"), 120, record.AData{Addr: [4]byte{10, 0, 0, 99}})
	s.handleConflict(i, differing, true)

	if !s.announcer.IsProbing(e, i.Key()) {
		t.Error("conflicting rdata against an ESTABLISHED UNIQUE entry should reset it to PROBING")
	}
}

func TestHandleConflictWithdrawsStillProbingEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })
	g := s.entries.NewGroup()
	s.entries.Commit(g)
	e, err := s.entries.Add(g, i.Key(), int(iface.ProtocolIPv4), entry.FlagUnique, aRecord("host.local", 120))
	if err != nil {
		t.Fatalf("entries.Add: %v", err)
	}
	s.announcer.Announce(e, i.Key())
	if !s.announcer.IsProbing(e, i.Key()) {
		t.Fatal("setup: expected entry to be PROBING before the conflict")
	}

	differing := record.New(aKey("host.local"), 120, record.AData{Addr: [4]byte{10, 0, 0, 99}})
	s.handleConflict(i, differing, true)

	if s.announcer.IsProbing(e, i.Key()) {
		t.Error("a still-PROBING entry should withdraw, not remain probing, on conflict")
	}
	if g.State() != entry.StateCollision {
		t.Errorf("group state = %v, want COLLISION", g.State())
	}
}

func TestIncomingProbeWeWinIgnoresConflict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })
	g := s.entries.NewGroup()
	s.entries.Commit(g)
	ours, err := s.entries.Add(g, i.Key(), int(iface.ProtocolIPv4), entry.FlagUnique, aRecord("host.local", 120))
	if err != nil {
		t.Fatalf("entries.Add: %v", err)
	}
	s.announcer.Announce(ours, i.Key())
	if !s.announcer.IsProbing(ours, i.Key()) {
		t.Fatal("setup: expected PROBING")
	}

	lower := record.New(aKey("host.local"), 120, record.AData{Addr: [4]byte{0, 0, 0, 0}})
	if record.Compare(ours.Record, lower) <= 0 {
		t.Fatal("test fixture invalid: ours must sort higher than lower")
	}
	s.incomingProbe(i, lower)

	if !s.announcer.IsProbing(ours, i.Key()) {
		t.Error("winning a probe tie-break should leave our announcement PROBING, untouched")
	}
}

func TestIncomingProbeWeLoseWithdraws(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, i, _, _ := newTestServer(t, func() time.Time { return now })
	g := s.entries.NewGroup()
	s.entries.Commit(g)
	ours, err := s.entries.Add(g, i.Key(), int(iface.ProtocolIPv4), entry.FlagUnique, aRecord("host.local", 120))
	if err != nil {
		t.Fatalf("entries.Add: %v", err)
	}
	s.announcer.Announce(ours, i.Key())

	higher := record.New(aKey("host.local"), 120, record.AData{Addr: [4]byte{255, 255, 255, 255}})
	if record.Compare(ours.Record, higher) >= 0 {
		t.Fatal("test fixture invalid: ours must sort lower than higher")
	}
	s.incomingProbe(i, higher)

	if s.announcer.IsProbing(ours, i.Key()) {
		t.Error("losing a probe tie-break should withdraw our announcement")
	}
	if g.State() != entry.StateCollision {
		t.Errorf("group state = %v, want COLLISION", g.State())
	}
}

func TestDispatchDropsWhenInterfaceUnknown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _, _, _ := newTestServer(t, func() time.Time { return now })
	s.ifaces = iface.NewManager(nil, nil, s.queue) // no interfaces registered

	p := wire.NewPacket(protocol.DefaultPacketSize)
	p.SetHeader(0, protocol.FlagQR)
	raw := p.Finish(0, 0, 0, 0)

	// Lookup returns nil for an unregistered interface, so dispatch must
	// return before touching any other state; this is a smoke test that
	// it does so without panicking.
	s.dispatch(iface.Received{Data: raw, Protocol: iface.ProtocolIPv4, IfIndex: 1})
}
