// Package transport implements the platform UDP multicast sockets mDNS
// sends and receives on (§4.5 of the spec), plus the small abstraction
// (Transport) that lets the interface manager (internal/iface) and the
// server loop (internal/server) work against either a real socket or a
// test double.
package transport

import (
	"context"
	"net"
)

// Transport is a network endpoint the engine can send packets to and
// receive packets from. UDPv4Transport and UDPv6Transport are the real
// implementations; MockTransport is the test double.
type Transport interface {
	Send(ctx context.Context, packet []byte, dest net.Addr) error
	Receive(ctx context.Context) ([]byte, net.Addr, error)
	Close() error
}
