// Package iface implements the interface dispatch layer (§4.5 of the
// spec): one Interface per {network device} x {IPv4, IPv6}, each owning its
// own record cache, joined to the mDNS multicast group, and tagged
// "relevant" while it is joined.
//
// Grounded on the teacher's internal/network (interface enumeration and
// filtering) and internal/transport (the underlying sockets), generalized
// from a single flat multicast join over "every interface" into the
// per-interface/per-protocol model the spec's Interface/HwInterface split
// requires, and wired to golang.org/x/net ipv4/ipv6 for per-interface
// multicast join/leave and the ancillary control data (egress interface
// selection on send, arrival interface + TTL/hop-limit on receive) that a
// shared-socket multicast responder needs (§11).
package iface

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/joshuafuller/beacon/internal/cache"
	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
	"github.com/joshuafuller/beacon/internal/timerqueue"
	"github.com/joshuafuller/beacon/internal/transport"
)

// Protocol is an address family an Interface serves.
type Protocol int

const (
	ProtocolIPv4 Protocol = iota
	ProtocolIPv6
)

func (p Protocol) String() string {
	if p == ProtocolIPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// Interface is one {device, protocol} pair the engine publishes and
// queries on (§4.5). It owns the per-interface record cache; the embedder
// and scheduler key announcements and queries by *Interface rather than by
// device name, since a dual-stack device is really two independent
// interfaces for mDNS purposes (a record announced over IPv4 says nothing
// about IPv6 reachability).
type Interface struct {
	HW       net.Interface
	Protocol Protocol
	Cache    *cache.Cache

	relevant bool
}

// Relevant reports whether this interface is currently joined: it passed
// the Manager's eligibility filter, has an address of its protocol, and
// joined the mDNS multicast group. It turns false when the Manager leaves
// the interface (§4.5's relevance criterion).
func (i *Interface) Relevant() bool { return i.relevant }

// SourceInScope reports whether src is a plausible mDNS peer for this
// interface: link-local (169.254.0.0/16 for IPv4, fe80::/10 for IPv6) or
// within one of the interface's own configured subnets. mDNS is
// link-local scope by definition (RFC 6762 §2); a source outside both
// checks is either misconfigured or a routed packet that shouldn't have
// reached this socket, and the caller should drop it before parsing.
func (i *Interface) SourceInScope(src net.IP) bool {
	if src.IsLinkLocalUnicast() {
		return true
	}
	addrs, err := i.HW.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if ok && ipnet.Contains(src) {
			return true
		}
	}
	return false
}

// Key returns a stable identifier for the interface, used as a map key by
// callers (the entry/announce packages key per-interface announcement
// state by this).
func (i *Interface) Key() string { return fmt.Sprintf("%d/%s", i.HW.Index, i.Protocol) }

// Manager owns every live Interface, the underlying IPv4/IPv6 sockets, and
// the join/leave lifecycle as interfaces appear and disappear (link up/down,
// hotplug). Not safe for concurrent use outside the guarantees its own
// methods provide — callers run it from the single server event-loop
// goroutine (§9), except Refresh which may be invoked from a periodic
// ticker and takes its own lock around the interface table.
type Manager struct {
	v4Transport *transport.UDPv4Transport
	v6Transport *transport.UDPv6Transport
	v4          *ipv4.PacketConn
	v6          *ipv6.PacketConn

	queue  *timerqueue.Queue
	filter func(net.Interface) bool

	mu         sync.Mutex
	interfaces map[string]*Interface // keyed by Interface.Key()

	onJoin  func(*Interface)
	onLeave func(*Interface)

	cacheNotify func(*Interface, cache.NotifyKind, *record.Record)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithFilter overrides which system interfaces are eligible (default: every
// interface; the top-level package passes a filter built on
// network.DefaultInterfaces).
func WithFilter(f func(net.Interface) bool) Option {
	return func(m *Manager) { m.filter = f }
}

// WithOnJoin registers a callback invoked when a new Interface is created.
func WithOnJoin(f func(*Interface)) Option {
	return func(m *Manager) { m.onJoin = f }
}

// WithOnLeave registers a callback invoked when an Interface is torn down.
func WithOnLeave(f func(*Interface)) Option {
	return func(m *Manager) { m.onLeave = f }
}

// WithCacheNotify installs a callback every joined interface's per-interface
// cache invokes when a record is inserted or removed (a refresh of an
// already-cached record sends no notification), so a browser/resolver can
// learn about newly-discovered or expired records without polling every
// cache directly (§6's record-browser/service-browser/resolver family).
func WithCacheNotify(f func(*Interface, cache.NotifyKind, *record.Record)) Option {
	return func(m *Manager) { m.cacheNotify = f }
}

// NewManager constructs a Manager over already-bound IPv4/IPv6 transports.
// Either transport may be nil to run single-stack.
func NewManager(v4 *transport.UDPv4Transport, v6 *transport.UDPv6Transport, queue *timerqueue.Queue, opts ...Option) *Manager {
	m := &Manager{
		v4Transport: v4,
		v6Transport: v6,
		queue:       queue,
		filter:      func(net.Interface) bool { return true },
		interfaces:  make(map[string]*Interface),
		onJoin:      func(*Interface) {},
		onLeave:     func(*Interface) {},
	}
	if v4 != nil {
		m.v4 = ipv4.NewPacketConn(v4.Conn())
		_ = m.v4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagTTL, true)
	}
	if v6 != nil {
		m.v6 = ipv6.NewPacketConn(v6.Conn())
		_ = m.v6.SetControlMessage(ipv6.FlagInterface|ipv6.FlagHopLimit, true)
	}
	return m
}

// Refresh re-enumerates system interfaces, joins the multicast group on
// any newly-eligible {device, protocol} pair, and leaves/tears down any
// Interface whose device disappeared or is no longer eligible.
func (m *Manager) Refresh() error {
	candidates, err := net.Interfaces()
	if err != nil {
		return errors.Wrap(errors.KindInvalidInterface, "enumerate interfaces", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(candidates)*2)

	for _, hw := range candidates {
		if !m.filter(hw) {
			continue
		}
		addrs, err := hw.Addrs()
		if err != nil {
			continue
		}
		hasV4, hasV6 := false, false
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() != nil {
				hasV4 = true
			} else if ipNet.IP.To16() != nil {
				hasV6 = true
			}
		}

		if hasV4 && m.v4 != nil {
			key := m.joinIfAbsent(hw, ProtocolIPv4)
			seen[key] = true
		}
		if hasV6 && m.v6 != nil {
			key := m.joinIfAbsent(hw, ProtocolIPv6)
			seen[key] = true
		}
	}

	for key, i := range m.interfaces {
		if !seen[key] {
			m.leave(i)
			delete(m.interfaces, key)
		}
	}

	return nil
}

func (m *Manager) joinIfAbsent(hw net.Interface, proto Protocol) string {
	i := &Interface{HW: hw, Protocol: proto}
	key := i.Key()
	if _, ok := m.interfaces[key]; ok {
		return key
	}

	switch proto {
	case ProtocolIPv4:
		group := protocol.MulticastGroupIPv4()
		if err := m.v4.JoinGroup(&hw, group); err != nil {
			return key
		}
	case ProtocolIPv6:
		group := protocol.MulticastGroupIPv6()
		if err := m.v6.JoinGroup(&hw, group); err != nil {
			return key
		}
	}

	if m.cacheNotify != nil {
		i.Cache = cache.New(m.queue, cache.WithNotify(func(k cache.NotifyKind, r *record.Record) {
			m.cacheNotify(i, k, r)
		}))
	} else {
		i.Cache = cache.New(m.queue)
	}
	i.relevant = true
	m.interfaces[key] = i
	m.onJoin(i)
	return key
}

func (m *Manager) leave(i *Interface) {
	switch i.Protocol {
	case ProtocolIPv4:
		if m.v4 != nil {
			_ = m.v4.LeaveGroup(&i.HW, protocol.MulticastGroupIPv4())
		}
	case ProtocolIPv6:
		if m.v6 != nil {
			_ = m.v6.LeaveGroup(&i.HW, protocol.MulticastGroupIPv6())
		}
	}
	i.Cache.Flush()
	i.relevant = false
	m.onLeave(i)
}

// Walk invokes cb for every live Interface matching protoFilter, or for
// every live Interface when anyProtocol is true. Walk stops early if cb
// returns false.
func (m *Manager) Walk(protoFilter Protocol, anyProtocol bool, cb func(*Interface) bool) {
	m.mu.Lock()
	snapshot := make([]*Interface, 0, len(m.interfaces))
	for _, i := range m.interfaces {
		if anyProtocol || i.Protocol == protoFilter {
			snapshot = append(snapshot, i)
		}
	}
	m.mu.Unlock()

	for _, i := range snapshot {
		if !cb(i) {
			return
		}
	}
}

// SendMulticast sends packet out i's device on i's protocol's multicast
// group, setting the egress interface via ancillary control data so the
// kernel doesn't pick a default route instead (§4.5, §11).
func (m *Manager) SendMulticast(ctx context.Context, i *Interface, packet []byte) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.KindNoNetwork, "send multicast", ctx.Err())
	default:
	}

	switch i.Protocol {
	case ProtocolIPv4:
		cm := &ipv4.ControlMessage{IfIndex: i.HW.Index}
		_, err := m.v4.WriteTo(packet, cm, protocol.MulticastGroupIPv4())
		if err != nil {
			return errors.Wrap(errors.KindNoNetwork, "send multicast ipv4", err)
		}
	case ProtocolIPv6:
		cm := &ipv6.ControlMessage{IfIndex: i.HW.Index}
		_, err := m.v6.WriteTo(packet, cm, protocol.MulticastGroupIPv6())
		if err != nil {
			return errors.Wrap(errors.KindNoNetwork, "send multicast ipv6", err)
		}
	}
	return nil
}

// SendUnicast sends packet to dest without setting an egress interface
// (used for legacy-unicast responses and QU-requested replies, §4.8).
func (m *Manager) SendUnicast(ctx context.Context, proto Protocol, packet []byte, dest net.Addr) error {
	switch proto {
	case ProtocolIPv4:
		return m.v4Transport.Send(ctx, packet, dest)
	case ProtocolIPv6:
		return m.v6Transport.Send(ctx, packet, dest)
	}
	return errors.New(errors.KindInvalidProtocol, "send unicast", "unknown protocol")
}

// Received is one inbound packet together with the interface it arrived on
// — the server loop's dispatch logic needs the arrival interface to decide
// relevance and to address any reply (§4.5, §4.8).
type Received struct {
	Data     []byte
	Src      net.Addr
	Protocol Protocol
	IfIndex  int
	// TTL is the packet's IP TTL (IPv4) or hop limit (IPv6) as reported by
	// the kernel's ancillary control data, -1 if unavailable. The
	// check_response_ttl option (§6) uses this to discard responses that
	// didn't originate on the local link (RFC 6762 §11).
	TTL int
}

// ReceiveV4 reads one packet from the IPv4 socket along with the interface
// it arrived on.
func (m *Manager) ReceiveV4() (*Received, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	n, cm, src, err := m.v4.ReadFrom(buf)
	if err != nil {
		return nil, errors.Wrap(errors.KindNoNetwork, "receive ipv4", err)
	}
	ifIndex, ttl := 0, -1
	if cm != nil {
		ifIndex = cm.IfIndex
		ttl = cm.TTL
	}
	return &Received{Data: buf[:n], Src: src, Protocol: ProtocolIPv4, IfIndex: ifIndex, TTL: ttl}, nil
}

// ReceiveV6 reads one packet from the IPv6 socket along with the interface
// it arrived on.
func (m *Manager) ReceiveV6() (*Received, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	n, cm, src, err := m.v6.ReadFrom(buf)
	if err != nil {
		return nil, errors.Wrap(errors.KindNoNetwork, "receive ipv6", err)
	}
	ifIndex, ttl := 0, -1
	if cm != nil {
		ifIndex = cm.IfIndex
		ttl = cm.HopLimit
	}
	return &Received{Data: buf[:n], Src: src, Protocol: ProtocolIPv6, IfIndex: ifIndex, TTL: ttl}, nil
}

// Lookup returns the live Interface for {ifIndex, proto}, or nil if no
// such interface is currently joined (e.g. it went down between the read
// and the lookup).
func (m *Manager) Lookup(ifIndex int, proto Protocol) *Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.interfaces {
		if i.HW.Index == ifIndex && i.Protocol == proto {
			return i
		}
	}
	return nil
}

// Close leaves every multicast group and closes both transports.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, i := range m.interfaces {
		m.leave(i)
	}
	m.interfaces = make(map[string]*Interface)
	m.mu.Unlock()

	var firstErr error
	if m.v4Transport != nil {
		if err := m.v4Transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.v6Transport != nil {
		if err := m.v6Transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
