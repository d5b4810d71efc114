package beacon

import "testing"

func TestHostFQDNJoinsHostnameAndDomain(t *testing.T) {
	b := &Server{cfg: Config{Hostname: "myhost", DomainName: "local."}}
	if got, want := b.HostFQDN(), "myhost.local."; got != want {
		t.Errorf("HostFQDN() = %q, want %q", got, want)
	}
}

func TestHostFQDNTrimsTrailingDots(t *testing.T) {
	b := &Server{cfg: Config{Hostname: "myhost.", DomainName: "local"}}
	if got, want := b.HostFQDN(), "myhost.local."; got != want {
		t.Errorf("HostFQDN() = %q, want %q", got, want)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateInvalid:     "INVALID",
		StateRegistering: "REGISTERING",
		StateRunning:     "RUNNING",
		StateCollision:   "COLLISION",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	if !cfg.UseIPv4 || !cfg.UseIPv6 {
		t.Error("NewConfig should enable both IPv4 and IPv6 by default")
	}
	if cfg.DomainName != "local." {
		t.Errorf("NewConfig domain = %q, want \"local.\"", cfg.DomainName)
	}
	if !cfg.PublishAddresses || !cfg.PublishHINFO {
		t.Error("NewConfig should publish addresses and HINFO by default")
	}
	if cfg.PublishWorkstation || cfg.PublishDomain || cfg.AddServiceCookie {
		t.Error("NewConfig should leave optional records off by default")
	}
}

func TestOptionsMutateConfig(t *testing.T) {
	cfg := NewConfig()
	for _, opt := range []Option{
		WithHostname("custom"),
		WithDomainName("example."),
		WithoutIPv6(),
		WithServiceCookie(),
		WithWorkstationRecord(),
		WithDomainRecord(),
	} {
		opt(&cfg)
	}
	if cfg.Hostname != "custom" || cfg.DomainName != "example." {
		t.Errorf("hostname/domain not applied: %+v", cfg)
	}
	if cfg.UseIPv6 {
		t.Error("WithoutIPv6 should disable IPv6")
	}
	if !cfg.AddServiceCookie || !cfg.PublishWorkstation || !cfg.PublishDomain {
		t.Error("boolean options not applied")
	}
}
