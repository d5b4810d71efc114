package iface_test

import (
	"net"
	"testing"

	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/timerqueue"
	"github.com/joshuafuller/beacon/internal/transport"
)

func TestProtocolString(t *testing.T) {
	if iface.ProtocolIPv4.String() != "IPv4" {
		t.Errorf("ProtocolIPv4.String() = %q, want IPv4", iface.ProtocolIPv4.String())
	}
	if iface.ProtocolIPv6.String() != "IPv6" {
		t.Errorf("ProtocolIPv6.String() = %q, want IPv6", iface.ProtocolIPv6.String())
	}
}

func TestSourceInScopeAcceptsLinkLocal(t *testing.T) {
	i := &iface.Interface{HW: net.Interface{Index: 999999, Name: "nonexistent0"}, Protocol: iface.ProtocolIPv4}
	if !i.SourceInScope(net.ParseIP("169.254.1.2")) {
		t.Error("IPv4 link-local source should be in scope regardless of interface addresses")
	}
	if !i.SourceInScope(net.ParseIP("fe80::1")) {
		t.Error("IPv6 link-local source should be in scope regardless of interface addresses")
	}
}

func TestSourceInScopeRejectsUnroutableWhenAddrsUnavailable(t *testing.T) {
	i := &iface.Interface{HW: net.Interface{Index: 999999, Name: "nonexistent0"}, Protocol: iface.ProtocolIPv4}
	if i.SourceInScope(net.ParseIP("8.8.8.8")) {
		t.Error("a public, non-link-local source on an interface whose addresses can't be read should be out of scope")
	}
}

func TestInterfaceKeyDistinguishesProtocol(t *testing.T) {
	i4 := &iface.Interface{HW: net.Interface{Index: 3, Name: "eth0"}, Protocol: iface.ProtocolIPv4}
	i6 := &iface.Interface{HW: net.Interface{Index: 3, Name: "eth0"}, Protocol: iface.ProtocolIPv6}
	if i4.Key() == i6.Key() {
		t.Errorf("same device, different protocol, got equal keys %q", i4.Key())
	}
}

func TestManagerRefreshJoinsFilteredInterfaces(t *testing.T) {
	v4, err := transport.NewUDPv4Transport()
	if err != nil {
		t.Fatalf("NewUDPv4Transport() failed: %v", err)
	}
	defer func() { _ = v4.Close() }()

	queue := timerqueue.New()

	var joined []*iface.Interface
	m := iface.NewManager(v4, nil, queue,
		iface.WithFilter(func(net.Interface) bool { return false }),
		iface.WithOnJoin(func(i *iface.Interface) { joined = append(joined, i) }),
	)

	if err := m.Refresh(); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(joined) != 0 {
		t.Errorf("filter rejected every interface, but %d joined", len(joined))
	}
}

func TestManagerWalkVisitsOnlyMatchingProtocol(t *testing.T) {
	v4, err := transport.NewUDPv4Transport()
	if err != nil {
		t.Fatalf("NewUDPv4Transport() failed: %v", err)
	}
	defer func() { _ = v4.Close() }()

	queue := timerqueue.New()
	m := iface.NewManager(v4, nil, queue,
		iface.WithFilter(func(hw net.Interface) bool { return hw.Flags&net.FlagLoopback != 0 }),
	)

	if err := m.Refresh(); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	visited := 0
	m.Walk(iface.ProtocolIPv6, false, func(i *iface.Interface) bool {
		visited++
		return true
	})
	if visited != 0 {
		t.Errorf("Walk(ProtocolIPv6) over an IPv4-only manager visited %d interfaces, want 0", visited)
	}

	m.Walk(iface.ProtocolIPv4, true, func(i *iface.Interface) bool {
		if i.Cache == nil {
			t.Errorf("interface %s joined without a cache", i.Key())
		}
		return true
	})
}

func TestManagerLookupMissingReturnsNil(t *testing.T) {
	v4, err := transport.NewUDPv4Transport()
	if err != nil {
		t.Fatalf("NewUDPv4Transport() failed: %v", err)
	}
	defer func() { _ = v4.Close() }()

	queue := timerqueue.New()
	m := iface.NewManager(v4, nil, queue, iface.WithFilter(func(net.Interface) bool { return false }))

	if got := m.Lookup(99999, iface.ProtocolIPv4); got != nil {
		t.Errorf("Lookup() on unknown interface = %v, want nil", got)
	}
}

func TestManagerCloseLeavesNoInterfacesAndClosesTransport(t *testing.T) {
	v4, err := transport.NewUDPv4Transport()
	if err != nil {
		t.Fatalf("NewUDPv4Transport() failed: %v", err)
	}

	queue := timerqueue.New()
	m := iface.NewManager(v4, nil, queue, iface.WithFilter(func(net.Interface) bool { return false }))

	if err := m.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	// Transport is already closed by Close(); closing again should error,
	// proving Close() actually reached the underlying socket rather than
	// being a no-op (mirrors the teacher's own Close-error-propagation test).
	if err := v4.Close(); err == nil {
		t.Error("second Close() on the transport succeeded, want error")
	}
}
