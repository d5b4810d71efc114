package beacon

import (
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"

	"github.com/joshuafuller/beacon/internal/entry"
	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
)

// groupCookie derives a stable per-group identifier for the
// org.freedesktop.Avahi.cookie TXT convention (§12), which only needs to
// distinguish "these records were published by the same local group", not
// be cryptographically unique.
func groupCookie(g *entry.EntryGroup) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%p", g)
	return h.Sum32()
}

// GroupState mirrors internal/entry.GroupState for callers that don't
// want to import the internal package just to compare states.
type GroupState = entry.GroupState

const (
	GroupUncommitted = entry.StateUncommitted
	GroupRegistering = entry.StateRegistering
	GroupEstablished = entry.StateEstablished
	GroupCollision   = entry.StateCollision
)

// Group is the embedder-facing handle for a set of records committed and
// withdrawn atomically (§4.6/§6's entry-group API): one SRV+TXT+PTR rrset
// for a service, or the host's own address/HINFO records.
type Group struct {
	b       *Server
	entries *entry.Manager
	g       *entry.EntryGroup
}

func newGroup(b *Server, entries *entry.Manager) *Group {
	return &Group{b: b, entries: entries, g: entries.NewGroup()}
}

// State reports the group's commit lifecycle state.
func (g *Group) State() GroupState { return g.g.State() }

// IsEmpty reports whether the group currently has no records in it.
func (g *Group) IsEmpty() bool { return len(g.g.Entries()) == 0 }

// Commit registers every record added so far, subject to the RR_HOLDOFF
// rate limiting internal/entry.Manager.Commit applies.
func (g *Group) Commit() { g.entries.Commit(g.g) }

// Reset withdraws the group (sending goodbyes for every live record) and
// returns it to UNCOMMITTED so it can be reused.
func (g *Group) Reset() { g.entries.Reset(g.g) }

// AddRecord adds r to the group, scoped to ifaceKey ("" for every
// interface) and flagged per flags. A UNIQUE collision with another
// live entry (in this group or another) surfaces as an *errors.Error with errors.KindLocalCollision.
func (g *Group) AddRecord(ifaceKey string, proto iface.Protocol, flags entry.Flags, r *record.Record) error {
	_, err := g.entries.Add(g.g, ifaceKey, int(proto), flags, r)
	return err
}

// AddPTR publishes a PTR record mapping name to target, the building
// block service and service-type enumeration both rest on.
func (g *Group) AddPTR(name, target string, ttl uint32) error {
	key := record.NewKey(name, protocol.TypePTR, protocol.ClassIN)
	return g.AddRecord("", iface.ProtocolIPv4, 0, record.New(key, ttl, record.PTRData{Target: target}))
}

// AddService publishes the PTR/SRV/TXT triple RFC 6763 requires to
// advertise one service instance: "<instance>.<service>.<domain>." SRV
// pointing at host:port, a PTR from "<service>.<domain>." to the instance
// name, and a TXT record carrying txt (may be empty).
func (g *Group) AddService(instance, service, domain, host string, port uint16, txt map[string]string, ttl uint32) error {
	serviceDomain := strings.TrimSuffix(service, ".") + "." + strings.TrimSuffix(domain, ".") + "."
	instanceName := instance + "." + serviceDomain

	if err := g.AddPTR(serviceDomain, instanceName, ttl); err != nil {
		return fmt.Errorf("beacon: add service PTR: %w", err)
	}

	srvKey := record.NewKey(instanceName, protocol.TypeSRV, protocol.ClassIN)
	srv := record.New(srvKey, ttl, record.SRVData{Priority: 0, Weight: 0, Port: port, Target: host})
	if err := g.AddRecord("", iface.ProtocolIPv4, entry.FlagUnique, srv); err != nil {
		return fmt.Errorf("beacon: add service SRV: %w", err)
	}

	if g.b.cfg.AddServiceCookie {
		if txt == nil {
			txt = make(map[string]string, 1)
		}
		txt["org.freedesktop.Avahi.cookie"] = fmt.Sprintf("%d", groupCookie(g.g))
	}
	if err := g.AddTXT(instanceName, txt, ttl); err != nil {
		return fmt.Errorf("beacon: add service TXT: %w", err)
	}
	return nil
}

// AddSubtype publishes the "_<subtype>._sub.<service>.<domain>." PTR RFC
// 6763 §7.1 uses to let a browser filter instances of service by subtype
// without knowing every instance name up front.
func (g *Group) AddSubtype(subtype, service, domain, instanceName string, ttl uint32) error {
	serviceDomain := strings.TrimSuffix(service, ".") + "." + strings.TrimSuffix(domain, ".") + "."
	subName := "_" + strings.TrimPrefix(subtype, "_") + "._sub." + serviceDomain
	return g.AddPTR(subName, instanceName, ttl)
}

// AddTXT publishes a TXT record built from key=value pairs (an empty map
// still publishes the required single zero-length-string record body).
func (g *Group) AddTXT(name string, kv map[string]string, ttl uint32) error {
	var strs [][]byte
	for k, v := range kv {
		strs = append(strs, []byte(k+"="+v))
	}
	key := record.NewKey(name, protocol.TypeTXT, protocol.ClassIN)
	return g.AddRecord("", iface.ProtocolIPv4, entry.FlagUnique, record.New(key, ttl, record.TXTData{Strings: strs}))
}

// AddHINFO publishes a host-information record (CPU/OS), the §12
// supplemented record every classic mDNS responder announces for itself.
func (g *Group) AddHINFO(name, cpu, os string, ttl uint32) error {
	key := record.NewKey(name, protocol.TypeHINFO, protocol.ClassIN)
	return g.AddRecord("", iface.ProtocolIPv4, entry.FlagUnique, record.New(key, ttl, record.HINFOData{CPU: cpu, OS: os}))
}

// AddWorkstation publishes the "_workstation._tcp" service announcement
// other responders (Finder, GNOME Files) use to list reachable hosts,
// bound to port 9 (RFC 6763's conventional discard-service placeholder).
func (g *Group) AddWorkstation(hostname string, ttl uint32) error {
	return g.AddService(hostname, "_workstation._tcp", "local", hostname+".local.", 9, nil, ttl)
}

// AddDomain publishes the "b._dns-sd._udp.<domain>." PTR RFC 6763 §11
// uses to advertise a browsing domain itself, pointing back at domain.
func (g *Group) AddDomain(domain string, ttl uint32) error {
	d := strings.TrimSuffix(domain, ".") + "."
	return g.AddPTR("b._dns-sd._udp."+d, d, ttl)
}

// AddAddresses publishes one A (or AAAA) record per joined interface
// carrying that interface's actual address, plus the matching
// reverse-lookup PTR (§12's supplemented address-resolution pair), bound
// to each interface individually since an address on one link says
// nothing about reachability on another.
func (g *Group) AddAddresses(hostname string, ttl uint32) error {
	var firstErr error
	g.b.s.Interfaces().Walk(iface.ProtocolIPv4, true, func(i *iface.Interface) bool {
		addrs, err := i.HW.Addrs()
		if err != nil {
			return true
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			ip16 := ipNet.IP.To16()
			var r *record.Record
			var proto iface.Protocol
			switch {
			case i.Protocol == iface.ProtocolIPv4 && ip4 != nil:
				proto = iface.ProtocolIPv4
				var addr [4]byte
				copy(addr[:], ip4)
				r = record.New(record.NewKey(hostname, protocol.TypeA, protocol.ClassIN), ttl, record.AData{Addr: addr})
			case i.Protocol == iface.ProtocolIPv6 && ip4 == nil && ip16 != nil:
				proto = iface.ProtocolIPv6
				var addr [16]byte
				copy(addr[:], ip16)
				r = record.New(record.NewKey(hostname, protocol.TypeAAAA, protocol.ClassIN), ttl, record.AAAAData{Addr: addr})
			default:
				continue
			}
			if err := g.AddRecord(i.Key(), proto, entry.FlagUnique, r); err != nil {
				if firstErr == nil && errors.KindOf(err) != errors.KindLocalCollision {
					firstErr = err
				}
				continue
			}
			if err := g.addReversePTR(r, ip4 != nil); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return true
	})
	return firstErr
}

// addReversePTR publishes the in-addr.arpa/ip6.arpa PTR pointing an
// address back at its owning record's name, RFC 6762 §12.2's
// address-resolver counterpart.
func (g *Group) addReversePTR(a *record.Record, v4 bool) error {
	var data record.Data
	switch d := a.Data.(type) {
	case record.AData:
		data = d
	case record.AAAAData:
		data = d
	default:
		return nil
	}
	arpa, err := reverseName(data, v4)
	if err != nil {
		return nil
	}
	key := record.NewKey(arpa, protocol.TypePTR, protocol.ClassIN)
	return g.AddRecord("", iface.ProtocolIPv4, entry.FlagUnique, record.New(key, a.TTL, record.PTRData{Target: a.Key.Name()}))
}

func reverseName(data record.Data, v4 bool) (string, error) {
	switch d := data.(type) {
	case record.AData:
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", d.Addr[3], d.Addr[2], d.Addr[1], d.Addr[0]), nil
	case record.AAAAData:
		var sb strings.Builder
		for i := len(d.Addr) - 1; i >= 0; i-- {
			sb.WriteString(strconv.FormatUint(uint64(d.Addr[i]&0xf), 16))
			sb.WriteByte('.')
			sb.WriteString(strconv.FormatUint(uint64(d.Addr[i]>>4), 16))
			sb.WriteByte('.')
		}
		sb.WriteString("ip6.arpa.")
		return sb.String(), nil
	default:
		return "", fmt.Errorf("beacon: unsupported address data type %T", data)
	}
}
