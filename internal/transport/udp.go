package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
)

// UDPv4Transport is the IPv4 multicast Transport: bound to 0.0.0.0:5353
// with platform socket options that let a second mDNS responder (Avahi,
// Bonjour, systemd-resolved) share the port. It does not join 224.0.0.251
// itself; internal/iface joins the group per interface through Conn.
type UDPv4Transport struct {
	conn net.PacketConn
}

// NewUDPv4Transport creates and binds an IPv4 mDNS multicast socket.
func NewUDPv4Transport() (*UDPv4Transport, error) {
	ctx := context.Background()
	lc := net.ListenConfig{Control: PlatformControl}

	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", protocol.Port))
	if err != nil {
		return nil, errors.Wrap(errors.KindNoNetwork, fmt.Sprintf("bind udp4 :%d", protocol.Port), err)
	}

	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetReadBuffer(65536); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(errors.KindNoNetwork, "set read buffer", err)
		}
	}

	return &UDPv4Transport{conn: conn}, nil
}

// Conn returns the underlying net.PacketConn so internal/iface can wrap it
// in an ipv4.PacketConn for per-interface multicast join/leave and
// ancillary control data (§4.5, §11).
func (t *UDPv4Transport) Conn() net.PacketConn { return t.conn }

// Send transmits packet to dest, respecting ctx cancellation.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.KindNoNetwork, "send", ctx.Err())
	default:
	}

	n, err := t.conn.WriteTo(packet, dest)
	if err != nil {
		return errors.Wrap(errors.KindNoNetwork, fmt.Sprintf("send %d bytes to %s", len(packet), dest), err)
	}
	if n != len(packet) {
		return errors.New(errors.KindNoNetwork, "send", fmt.Sprintf("partial write: %d/%d bytes", n, len(packet)))
	}
	return nil
}

// Receive waits for an incoming packet, respecting ctx cancellation and
// deadline.
func (t *UDPv4Transport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, errors.Wrap(errors.KindNoNetwork, "receive", ctx.Err())
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, errors.Wrap(errors.KindNoNetwork, "set read deadline", err)
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, srcAddr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindNoNetwork, "receive", err)
	}

	result := make([]byte, n)
	copy(result, buffer[:n])
	return result, srcAddr, nil
}

// Close releases the socket.
func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return errors.Wrap(errors.KindNoNetwork, "close socket", err)
	}
	return nil
}

// multicastAddrV4 resolves the mDNS IPv4 group address as a net.Addr.
func multicastAddrV4() (net.Addr, error) {
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(protocol.MulticastAddrIPv4, strconv.Itoa(protocol.Port)))
}

var _ Transport = (*UDPv4Transport)(nil)
