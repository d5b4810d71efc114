// Package network selects which system network interfaces the engine
// should publish and query on. The top-level package builds its default
// interface filter from DefaultInterfaces; an embedder can override it with
// its own selection (§4.5, §6).
package network

import (
	"net"
)

// DefaultInterfaces returns the system interfaces suitable for mDNS
// multicast: UP, MULTICAST-capable, not loopback, and not a VPN or
// container-networking interface an mDNS responder has no business
// publishing or querying on.
//
// An embedder that wants every interface, or a hand-picked subset, supplies
// its own filter predicate (WithInterfaceFilter) instead of relying on this
// default (§6).
func DefaultInterfaces() ([]net.Interface, error) {
	allIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	filtered := make([]net.Interface, 0, len(allIfaces))
	for _, iface := range allIfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVPN(iface.Name) {
			continue
		}
		if isDocker(iface.Name) {
			continue
		}
		filtered = append(filtered, iface)
	}

	return filtered, nil
}

// isVPN reports whether name matches a common VPN tunnel interface naming
// convention (utun*, tun*, ppp*, wg*, tailscale*, wireguard*). Publishing
// or querying mDNS over a VPN tunnel would leak local service discovery
// traffic to whatever network the tunnel terminates on.
func isVPN(name string) bool {
	for _, prefix := range []string{"utun", "tun", "ppp", "wg", "tailscale", "wireguard"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// isDocker reports whether name matches a Docker-managed interface
// (docker0, veth*, br-*) — container networking the host's mDNS responder
// has no reason to serve.
func isDocker(name string) bool {
	if name == "docker0" {
		return true
	}
	for _, prefix := range []string{"veth", "br-"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
