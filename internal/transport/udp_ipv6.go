package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
)

// UDPv6Transport is the IPv6 multicast Transport: bound to [::]:5353,
// mirroring UDPv4Transport. It does not join ff02::fb itself; internal/iface
// joins the group per interface through Conn.
type UDPv6Transport struct {
	conn net.PacketConn
}

// NewUDPv6Transport creates and binds an IPv6 mDNS multicast socket.
func NewUDPv6Transport() (*UDPv6Transport, error) {
	ctx := context.Background()
	lc := net.ListenConfig{Control: PlatformControl}

	conn, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", protocol.Port))
	if err != nil {
		return nil, errors.Wrap(errors.KindNoNetwork, fmt.Sprintf("bind udp6 :%d", protocol.Port), err)
	}

	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetReadBuffer(65536); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(errors.KindNoNetwork, "set read buffer", err)
		}
	}

	return &UDPv6Transport{conn: conn}, nil
}

// Conn returns the underlying net.PacketConn so internal/iface can wrap it
// in an ipv6.PacketConn for per-interface multicast join/leave and
// ancillary control data (§4.5, §11).
func (t *UDPv6Transport) Conn() net.PacketConn { return t.conn }

func (t *UDPv6Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
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

func (t *UDPv6Transport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
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

func (t *UDPv6Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return errors.Wrap(errors.KindNoNetwork, "close socket", err)
	}
	return nil
}

func multicastAddrV6() (net.Addr, error) {
	return net.ResolveUDPAddr("udp6", net.JoinHostPort(protocol.MulticastAddrIPv6, fmt.Sprint(protocol.Port)))
}

var _ Transport = (*UDPv6Transport)(nil)
