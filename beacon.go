// Package beacon is an embeddable Multicast DNS / DNS-SD responder and
// browser engine (RFC 6762/6763): one process-wide Server owns the network
// transports and the single dispatch loop in internal/server, while Groups
// and browsers give an embedder a way to publish and discover records
// without touching any of the internal packages directly.
//
// Grounded on the teacher's top-level responder.go/querier.go split, folded
// into one type here because internal/server already merges both halves'
// event loops; Server plays the role responder.Responder and querier.Querier
// play in the teacher, minus their duplicated goroutine/lifecycle plumbing.
package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/joshuafuller/beacon/internal/iface"
	"github.com/joshuafuller/beacon/internal/network"
	"github.com/joshuafuller/beacon/internal/server"
	"github.com/joshuafuller/beacon/internal/transport"
)

// State reports the lifecycle of a Server's own host-name registration,
// mirroring the states a Group moves through but scoped to the handful of
// records (address, HINFO, workstation) Server registers on its own behalf.
type State int

const (
	StateInvalid State = iota
	StateRegistering
	StateRunning
	StateCollision
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "REGISTERING"
	case StateRunning:
		return "RUNNING"
	case StateCollision:
		return "COLLISION"
	default:
		return "INVALID"
	}
}

// Config holds every embedder-tunable option; the zero value is not valid,
// use NewConfig for the documented defaults.
type Config struct {
	Hostname   string
	DomainName string

	UseIPv4 bool
	UseIPv6 bool

	CheckResponseTTL bool
	UseIffRunning    bool
	EnableReflector  bool
	ReflectIPv       bool

	PublishAddresses  bool
	PublishHINFO      bool
	PublishWorkstation bool
	PublishDomain     bool
	AddServiceCookie  bool

	InterfaceFilter func(net.Interface) bool
	Logger          *slog.Logger
}

// NewConfig returns the documented defaults: both protocols enabled, the
// local host's own address/HINFO records published, no reflector, no
// service cookie, domain "local.".
func NewConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Hostname:          hostname,
		DomainName:        "local.",
		UseIPv4:           true,
		UseIPv6:           true,
		CheckResponseTTL:  true,
		UseIffRunning:     true,
		PublishAddresses:  true,
		PublishHINFO:      true,
		PublishWorkstation: false,
		PublishDomain:     false,
		AddServiceCookie:  false,
	}
}

// Option configures a Server at construction, the functional-options shape
// the teacher's responder/options.go uses throughout.
type Option func(*Config)

func WithHostname(name string) Option {
	return func(c *Config) { c.Hostname = name }
}

func WithDomainName(name string) Option {
	return func(c *Config) { c.DomainName = name }
}

func WithoutIPv4() Option { return func(c *Config) { c.UseIPv4 = false } }
func WithoutIPv6() Option { return func(c *Config) { c.UseIPv6 = false } }

func WithReflector(reflectIPv bool) Option {
	return func(c *Config) { c.EnableReflector = true; c.ReflectIPv = reflectIPv }
}

func WithInterfaceFilter(f func(net.Interface) bool) Option {
	return func(c *Config) { c.InterfaceFilter = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithServiceCookie() Option {
	return func(c *Config) { c.AddServiceCookie = true }
}

func WithWorkstationRecord() Option {
	return func(c *Config) { c.PublishWorkstation = true }
}

func WithDomainRecord() Option {
	return func(c *Config) { c.PublishDomain = true }
}

// Server is the embeddable mDNS engine: it owns the transports, the
// internal/server dispatch loop, the host's own name-to-address group, and
// the registry every browser/resolver subscribes events through.
type Server struct {
	cfg Config

	v4 *transport.UDPv4Transport
	v6 *transport.UDPv6Transport
	s  *server.Server

	mu    sync.RWMutex
	state State

	hostGroup *Group

	browsers *browserRegistry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New opens transports per cfg's UseIPv4/UseIPv6, builds the internal
// dispatch server, publishes the host's own records (address/HINFO/
// workstation as configured), and starts the event loop. Close tears
// everything down, including sending goodbyes for every live record.
func New(opts ...Option) (*Server, error) {
	cfg := NewConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var v4 *transport.UDPv4Transport
	var v6 *transport.UDPv6Transport
	var err error
	if cfg.UseIPv4 {
		if v4, err = transport.NewUDPv4Transport(); err != nil {
			return nil, fmt.Errorf("beacon: open IPv4 transport: %w", err)
		}
	}
	if cfg.UseIPv6 {
		if v6, err = transport.NewUDPv6Transport(); err != nil {
			if v4 != nil {
				v4.Close()
			}
			return nil, fmt.Errorf("beacon: open IPv6 transport: %w", err)
		}
	}

	b := &Server{cfg: cfg, v4: v4, v6: v6, state: StateRegistering}
	b.browsers = newBrowserRegistry()

	filter := cfg.InterfaceFilter
	if filter == nil {
		filter = defaultInterfaceFilter()
	}

	sc := server.NewConfig()
	sc.UseIPv4 = cfg.UseIPv4
	sc.UseIPv6 = cfg.UseIPv6
	sc.CheckResponseTTL = cfg.CheckResponseTTL
	sc.UseIffRunning = cfg.UseIffRunning
	sc.Reflector = cfg.EnableReflector
	sc.ReflectIPv = cfg.ReflectIPv

	b.s = server.New(v4, v6, sc,
		server.WithLogger(cfg.Logger),
		server.WithInterfaceFilter(filter),
		server.WithCacheNotify(b.browsers.dispatch),
	)

	if err := b.s.Interfaces().Refresh(); err != nil {
		cfg.Logger.Warn("beacon: initial interface refresh failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.s.Run(ctx); err != nil && ctx.Err() == nil {
			cfg.Logger.Error("beacon: event loop exited", "error", err)
		}
	}()

	b.hostGroup = newGroup(b, b.s.Entries())
	b.hostGroup.Commit()
	if err := b.publishHostRecords(); err != nil {
		b.Close()
		return nil, err
	}

	b.mu.Lock()
	b.state = StateRunning
	b.mu.Unlock()

	return b, nil
}

// defaultInterfaceFilter wraps internal/network.DefaultInterfaces' vetted
// list into the predicate internal/iface.WithFilter expects, since
// DefaultInterfaces itself returns a snapshot, not a standing filter.
func defaultInterfaceFilter() func(net.Interface) bool {
	return func(ifc net.Interface) bool {
		allowed, err := network.DefaultInterfaces()
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a.Index == ifc.Index {
				return true
			}
		}
		return false
	}
}

// publishHostRecords registers the handful of records describing this
// host itself (§12's supplemented address/HINFO/workstation records),
// mirroring what every mDNS responder announces unprompted at startup.
func (b *Server) publishHostRecords() error {
	hostname := b.HostFQDN()

	if b.cfg.PublishAddresses {
		if err := b.hostGroup.AddAddresses(hostname, 120); err != nil {
			return fmt.Errorf("beacon: publish address records: %w", err)
		}
	}
	if b.cfg.PublishHINFO {
		if err := b.hostGroup.AddHINFO(hostname, runtimeCPU(), runtimeOS(), 4500); err != nil {
			return fmt.Errorf("beacon: publish HINFO record: %w", err)
		}
	}
	if b.cfg.PublishWorkstation {
		if err := b.hostGroup.AddWorkstation(b.cfg.Hostname, 120); err != nil {
			return fmt.Errorf("beacon: publish workstation service: %w", err)
		}
	}
	if b.cfg.PublishDomain {
		if err := b.hostGroup.AddDomain(b.cfg.DomainName, 4500); err != nil {
			return fmt.Errorf("beacon: publish domain record: %w", err)
		}
	}
	return nil
}

// HostFQDN returns the fully-qualified "<hostname>.<domain>." name this
// Server registers its own address records under.
func (b *Server) HostFQDN() string {
	h := strings.TrimSuffix(b.cfg.Hostname, ".")
	d := strings.TrimSuffix(b.cfg.DomainName, ".")
	return h + "." + d + "."
}

// DomainName returns the configured browsing domain (default "local.").
func (b *Server) DomainName() string { return b.cfg.DomainName }

// State reports the host group's own registration state.
func (b *Server) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// NewGroup returns a fresh, UNCOMMITTED group of records for the embedder
// to Add to and Commit, the publish surface §6 describes.
func (b *Server) NewGroup() *Group {
	return newGroup(b, b.s.Entries())
}

// Interfaces exposes the underlying interface manager for callers that
// need to watch hotplug events directly (rare; most embedders never need
// more than NewGroup/browse helpers).
func (b *Server) Interfaces() *iface.Manager { return b.s.Interfaces() }

// Close sends goodbyes for every live record this Server published,
// cancels the event loop, and closes the transports.
func (b *Server) Close() error {
	b.mu.Lock()
	if b.state == StateInvalid {
		b.mu.Unlock()
		return nil
	}
	b.state = StateInvalid
	b.mu.Unlock()

	if b.hostGroup != nil {
		b.hostGroup.Reset()
	}
	b.browsers.closeAll()
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	var err error
	if b.v4 != nil {
		if cerr := b.v4.Close(); cerr != nil {
			err = cerr
		}
	}
	if b.v6 != nil {
		if cerr := b.v6.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// runtimeCPU/runtimeOS fill HINFO's CPU/OS fields (RFC 1035 §3.3.2); mDNS
// gives these no standard vocabulary, so uppercased GOARCH/GOOS is the
// closest a Go process can state without inventing one.
func runtimeCPU() string { return strings.ToUpper(runtime.GOARCH) }
func runtimeOS() string  { return strings.ToUpper(runtime.GOOS) }
