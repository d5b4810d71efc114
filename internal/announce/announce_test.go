package announce

import (
	"context"
	"testing"
	"time"

	"github.com/joshuafuller/beacon/internal/entry"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
)

type noopPublisher struct{}

func (noopPublisher) Announce(*entry.Entry, string) {}
func (noopPublisher) Reannounce(*entry.Entry)       {}
func (noopPublisher) Withdraw(*entry.Entry)         {}
func (noopPublisher) Goodbye(*entry.Entry)          {}

type fakeSender struct{ sent [][]byte }

func (f *fakeSender) Send(ctx context.Context, packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.sent = append(f.sent, cp)
	return nil
}

type fixedSenderFor struct{ s *fakeSender }

func (f fixedSenderFor) SenderFor(string) Sender { return f.s }

type noLookup struct{}

func (noLookup) Lookup(record.Key) []*record.Record { return nil }

func noJitter(time.Duration) time.Duration { return 0 }

func aKey(name string) record.Key {
	return record.NewKey(name, protocol.TypeA, protocol.ClassIN)
}

func aRecord(name string) *record.Record {
	return record.New(aKey(name), 120, record.AData{Addr: [4]byte{10, 0, 0, 1}})
}

// establishGroup drives a fresh group straight to ESTABLISHED using only
// entry's exported API (Commit plus the probing counter a real
// Announcement would have driven), so tests can set up an already-settled
// group without depending on unexported EntryGroup state.
func establishGroup(em *entry.Manager, g *entry.EntryGroup) {
	em.Commit(g) // UNCOMMITTED -> REGISTERING
	g.IncrementProbing()
	g.DecrementProbing() // nProbing back to 0 while REGISTERING -> ESTABLISHED
}

func newEntry(t *testing.T, em *entry.Manager, g *entry.EntryGroup, flags entry.Flags, name string) *entry.Entry {
	t.Helper()
	e, err := em.Add(g, "eth0/4", 4, flags, aRecord(name))
	if err != nil {
		t.Fatalf("entry add: %v", err)
	}
	return e
}

func TestAnnounceNoAnnounceGoesStraightToEstablished(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	e := newEntry(t, em, g, entry.FlagNoAnnounce, "host.local")

	sender := &fakeSender{}
	var seen State
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithJitter(noJitter),
		WithStateChangeHook(func(_ *entry.Entry, _ string, s State) { seen = s }))

	m.Announce(e, "eth0/4")
	a := m.find(e, "eth0/4")
	if a.State() != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", a.State())
	}
	if seen != StateEstablished {
		t.Errorf("state-change hook not fired with ESTABLISHED")
	}
	if len(sender.sent) != 0 {
		t.Errorf("NO_ANNOUNCE entry sent %d packets, want 0", len(sender.sent))
	}
}

func TestAnnounceUniqueStartsProbingAndIncrementsGroup(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	e := newEntry(t, em, g, entry.FlagUnique, "host.local")

	m := New(q, fixedSenderFor{&fakeSender{}}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4")

	a := m.find(e, "eth0/4")
	if a.State() != StateProbing {
		t.Fatalf("state = %v, want PROBING", a.State())
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1 (first probe scheduled)", q.Len())
	}
}

func TestAnnounceNonUniqueNoGroupStateStartsAnnouncingImmediately(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	establishGroup(em, g)
	e := newEntry(t, em, g, 0, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4")

	a := m.find(e, "eth0/4")
	if a.State() != StateAnnouncing {
		t.Fatalf("state = %v, want ANNOUNCING", a.State())
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d packets, want 1 (first announcement fires immediately)", len(sender.sent))
	}
}

func TestAnnounceNonUniqueRegisteringGroupWaits(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	em.Commit(g)
	e := newEntry(t, em, g, 0, "host.local")

	m := New(q, fixedSenderFor{&fakeSender{}}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4")

	a := m.find(e, "eth0/4")
	if a.State() != StateWaiting {
		t.Fatalf("state = %v, want WAITING", a.State())
	}
}

func TestProbeSequenceSendsFourProbesThenEstablishesGroup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	q := timerqueue.New()
	em := entry.New(q, noopPublisher{}, entry.WithClock(clock))
	g := em.NewGroup()
	em.Commit(g) // REGISTERING, nProbing starts at 0 until Announce below
	e := newEntry(t, em, g, entry.FlagUnique, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithClock(clock), WithJitter(noJitter))
	m.Announce(e, "eth0/4") // PROBING: increments the group's nProbing to 1

	// Drain the queue far enough in the future to run every scheduled
	// probe plus the final probingComplete event, advancing the fake
	// clock so each fired event's "now" matches the scheduling clock.
	for i := 0; i < 6; i++ {
		at, ok := q.NextWakeup()
		if !ok {
			break
		}
		now = at
		q.Run(now)
	}

	if len(sender.sent) != protocol.ProbeCount {
		t.Fatalf("sent %d probes, want %d", len(sender.sent), protocol.ProbeCount)
	}
	a := m.find(e, "eth0/4")
	if a.State() != StateAnnouncing {
		t.Fatalf("state after probing = %v, want ANNOUNCING (lone announcement in group, group reaches ESTABLISHED)", a.State())
	}
	if g.State() != entry.StateEstablished {
		t.Errorf("group state = %v, want ESTABLISHED", g.State())
	}
}

func TestAnnouncingReachesEstablishedAfterAnnounceCountMin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	q := timerqueue.New()
	em := entry.New(q, noopPublisher{}, entry.WithClock(clock))
	g := em.NewGroup()
	establishGroup(em, g)
	e := newEntry(t, em, g, 0, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithClock(clock), WithJitter(noJitter))
	m.Announce(e, "eth0/4") // sends announcement 1 immediately

	a := m.find(e, "eth0/4")
	for a.State() == StateAnnouncing {
		at, ok := q.NextWakeup()
		if !ok {
			t.Fatal("queue drained before reaching ESTABLISHED")
		}
		now = at
		q.Run(now)
	}

	if len(sender.sent) != protocol.AnnounceCountMin {
		t.Fatalf("sent %d announcements, want %d", len(sender.sent), protocol.AnnounceCountMin)
	}
	if a.State() != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", a.State())
	}
}

func TestGoodbyeSkipsProbingButSendsForAnnouncing(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	establishGroup(em, g)
	e := newEntry(t, em, g, 0, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4")
	sender.sent = nil // drop the initial announcement

	m.Goodbye(e)
	if len(sender.sent) != 1 {
		t.Fatalf("goodbye sent %d packets, want 1", len(sender.sent))
	}
	if m.find(e, "eth0/4") != nil {
		t.Errorf("announcement not removed after Goodbye")
	}
}

func TestGoodbyeDuringProbingSendsNothing(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	e := newEntry(t, em, g, entry.FlagUnique, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4") // PROBING: scheduleFirstProbe, no packet sent yet

	m.Goodbye(e)
	if len(sender.sent) != 0 {
		t.Errorf("goodbye during probing sent %d packets, want 0", len(sender.sent))
	}
}

func TestWithdrawCancelsPendingEventWithoutSending(t *testing.T) {
	q := timerqueue.New()
	em := entry.New(q, noopPublisher{})
	g := em.NewGroup()
	e := newEntry(t, em, g, entry.FlagUnique, "host.local")

	sender := &fakeSender{}
	m := New(q, fixedSenderFor{sender}, noLookup{}, WithJitter(noJitter))
	m.Announce(e, "eth0/4")

	m.Withdraw(e)
	if m.find(e, "eth0/4") != nil {
		t.Errorf("announcement not removed after Withdraw")
	}
	q.Run(time.Unix(1_900_000_000, 0))
	if len(sender.sent) != 0 {
		t.Errorf("withdrawn announcement still fired, sent %d packets", len(sender.sent))
	}
}
