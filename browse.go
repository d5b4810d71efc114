package beacon

import (
	"strings"
	"sync"

	"github.com/joshuafuller/beacon/internal/cache"
	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
)

// BrowseEvent is what happened to a record a browser is watching (§6's
// record-browser/service-browser callback family).
type BrowseEvent int

const (
	BrowserNew BrowseEvent = iota
	BrowserRemove
	BrowserCacheExhausted
	BrowserAllForNow
	BrowserFailure
)

func (e BrowseEvent) String() string {
	switch e {
	case BrowserNew:
		return "NEW"
	case BrowserRemove:
		return "REMOVE"
	case BrowserCacheExhausted:
		return "CACHE_EXHAUSTED"
	case BrowserAllForNow:
		return "ALL_FOR_NOW"
	default:
		return "FAILURE"
	}
}

// ResolveEvent is the outcome of a one-shot name/address/service
// resolution (§6's resolver callback family).
type ResolveEvent int

const (
	ResolverFound ResolveEvent = iota
	ResolverNotFound
	ResolverFailure
	ResolverTimeout
)

func (e ResolveEvent) String() string {
	switch e {
	case ResolverFound:
		return "FOUND"
	case ResolverNotFound:
		return "NOT_FOUND"
	case ResolverTimeout:
		return "TIMEOUT"
	default:
		return "FAILURE"
	}
}

// browserRegistry is the single subscriber table the internal/server
// cache-notify hook feeds: every record.Key pattern watched by a
// RecordBrowser (and every other browse/resolve type is built in terms of
// one) matched against each incoming notification in dispatch, the sole
// place in this package that runs on the server's own event-loop
// goroutine rather than a caller's.
type browserRegistry struct {
	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64
}

type subscription struct {
	pattern record.Key
	cb      func(BrowseEvent, *iface.Interface, *record.Record)
}

func newBrowserRegistry() *browserRegistry {
	return &browserRegistry{subs: make(map[uint64]*subscription)}
}

func (r *browserRegistry) add(pattern record.Key, cb func(BrowseEvent, *iface.Interface, *record.Record)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = &subscription{pattern: pattern, cb: cb}
	return id
}

func (r *browserRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func (r *browserRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[uint64]*subscription)
}

// dispatch is internal/server's cache.NotifyKind callback: it runs
// synchronously on the server's event-loop goroutine, so every
// subscriber's cb must return quickly (queue work elsewhere if it needs
// to block).
func (r *browserRegistry) dispatch(i *iface.Interface, kind cache.NotifyKind, rec *record.Record) {
	r.mu.Lock()
	matches := make([]*subscription, 0, 1)
	for _, sub := range r.subs {
		if sub.pattern.Matches(rec.Key) {
			matches = append(matches, sub)
		}
	}
	r.mu.Unlock()

	event := BrowserNew
	if kind == cache.NotifyRemove {
		event = BrowserRemove
	}
	for _, sub := range matches {
		sub.cb(event, i, rec)
	}
}

// RecordBrowser watches every record matching a key pattern, the generic
// primitive every other browse/resolve type in this file is built on.
type RecordBrowser struct {
	b   *Server
	id  uint64
	key record.Key
}

// NewRecordBrowser starts watching key (which may be a TypeANY pattern)
// across every joined interface: cb fires BrowserNew for each record
// already cached, then again for every subsequent new/removed record,
// while an active query is posted to prompt any instance that hasn't
// announced recently.
func (b *Server) NewRecordBrowser(key record.Key, cb func(BrowseEvent, *iface.Interface, *record.Record)) *RecordBrowser {
	rb := &RecordBrowser{b: b, key: key}
	rb.id = b.browsers.add(key, cb)
	for _, r := range b.s.CacheSnapshot(key) {
		cb(BrowserNew, nil, r)
	}
	b.s.PostQuery(key)
	return rb
}

// Close stops the browser; no further events fire.
func (rb *RecordBrowser) Close() { rb.b.browsers.remove(rb.id) }

// ServiceTypeBrowser watches "_services._dns-sd._udp.<domain>." for the
// PTR records RFC 6763 §9 uses to enumerate service *types* present on
// the network, without knowing any of them in advance.
type ServiceTypeBrowser struct{ *RecordBrowser }

func NewServiceTypeBrowser(b *Server, domain string, cb func(BrowseEvent, *iface.Interface, *record.Record)) *ServiceTypeBrowser {
	name := "_services._dns-sd._udp." + strings.TrimSuffix(domain, ".") + "."
	key := record.NewKey(name, protocol.TypePTR, protocol.ClassIN)
	return &ServiceTypeBrowser{b.NewRecordBrowser(key, cb)}
}

// ServiceBrowser watches "<service>.<domain>." for PTR records naming
// instances of service (RFC 6763 §4's basic browsing operation).
type ServiceBrowser struct{ *RecordBrowser }

func NewServiceBrowser(b *Server, service, domain string, cb func(BrowseEvent, *iface.Interface, *record.Record)) *ServiceBrowser {
	name := strings.TrimSuffix(service, ".") + "." + strings.TrimSuffix(domain, ".") + "."
	key := record.NewKey(name, protocol.TypePTR, protocol.ClassIN)
	return &ServiceBrowser{b.NewRecordBrowser(key, cb)}
}

// HostNameResolver watches a single hostname's A/AAAA records, the §6
// name-to-address resolver.
type HostNameResolver struct{ *RecordBrowser }

func NewHostNameResolver(b *Server, hostname string, v6 bool, cb func(ResolveEvent, *record.Record)) *HostNameResolver {
	typ := protocol.TypeA
	if v6 {
		typ = protocol.TypeAAAA
	}
	key := record.NewKey(hostname, typ, protocol.ClassIN)
	wrapped := func(e BrowseEvent, _ *iface.Interface, r *record.Record) {
		switch e {
		case BrowserNew:
			cb(ResolverFound, r)
		case BrowserRemove:
			cb(ResolverNotFound, r)
		}
	}
	return &HostNameResolver{b.NewRecordBrowser(key, wrapped)}
}

// AddressResolver watches the in-addr.arpa/ip6.arpa PTR for an address,
// the §12 supplemented reverse-lookup counterpart to HostNameResolver.
type AddressResolver struct{ *RecordBrowser }

func NewAddressResolver(b *Server, ptrName string, cb func(ResolveEvent, *record.Record)) *AddressResolver {
	key := record.NewKey(ptrName, protocol.TypePTR, protocol.ClassIN)
	wrapped := func(e BrowseEvent, _ *iface.Interface, r *record.Record) {
		switch e {
		case BrowserNew:
			cb(ResolverFound, r)
		case BrowserRemove:
			cb(ResolverNotFound, r)
		}
	}
	return &AddressResolver{b.NewRecordBrowser(key, wrapped)}
}

// ServiceResolverResult bundles the SRV target/port and TXT record a
// ServiceResolver's callback delivers once both halves of an instance
// have been seen.
type ServiceResolverResult struct {
	Host string
	Port uint16
	Txt  [][]byte
}

// ServiceResolver watches one service instance's SRV and TXT records and
// reports once both are known (RFC 6763 §6/§7's resolve-instance
// operation).
type ServiceResolver struct {
	srv *RecordBrowser
	txt *RecordBrowser
}

func NewServiceResolver(b *Server, instanceName string, cb func(ResolveEvent, ServiceResolverResult)) *ServiceResolver {
	var mu sync.Mutex
	result := ServiceResolverResult{}
	haveSRV, haveTXT := false, false

	maybeReport := func() {
		if haveSRV && haveTXT {
			cb(ResolverFound, result)
		}
	}

	srvKey := record.NewKey(instanceName, protocol.TypeSRV, protocol.ClassIN)
	srvBrowser := b.NewRecordBrowser(srvKey, func(e BrowseEvent, _ *iface.Interface, r *record.Record) {
		mu.Lock()
		defer mu.Unlock()
		switch e {
		case BrowserNew:
			if d, ok := r.Data.(record.SRVData); ok {
				result.Host, result.Port = d.Target, d.Port
				haveSRV = true
				maybeReport()
			}
		case BrowserRemove:
			haveSRV = false
			cb(ResolverNotFound, result)
		}
	})

	txtKey := record.NewKey(instanceName, protocol.TypeTXT, protocol.ClassIN)
	txtBrowser := b.NewRecordBrowser(txtKey, func(e BrowseEvent, _ *iface.Interface, r *record.Record) {
		mu.Lock()
		defer mu.Unlock()
		switch e {
		case BrowserNew:
			if d, ok := r.Data.(record.TXTData); ok {
				result.Txt = d.Strings
				haveTXT = true
				maybeReport()
			}
		case BrowserRemove:
			haveTXT = false
			cb(ResolverNotFound, result)
		}
	})

	return &ServiceResolver{srv: srvBrowser, txt: txtBrowser}
}

// Close stops both halves of the resolver.
func (sr *ServiceResolver) Close() {
	sr.srv.Close()
	sr.txt.Close()
}
