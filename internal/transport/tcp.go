package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	gwerrors "gwlink/internal/errors"
)

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source address and port.
type TCPDialer struct {
	Timeout   time.Duration
	LocalIP   net.IP // optional source address (nil = routing decides)
	LocalPort int    // optional source-port binding (0 = ephemeral)
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	if d.LocalIP != nil || d.LocalPort > 0 {
		dialer.LocalAddr = &net.TCPAddr{IP: d.LocalIP, Port: d.LocalPort}
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, gwerrors.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// UDPDialer opens connected UDP sockets.  Dial performs no handshake;
// reachability is only known once the peer answers.
type UDPDialer struct {
	Timeout time.Duration
	LocalIP net.IP
}

// Dial connects a UDP socket to address.
func (d *UDPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !IsDatagram(network) {
		return nil, fmt.Errorf("udp dialer cannot dial %q", network)
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	if d.LocalIP != nil {
		dialer.LocalAddr = &net.UDPAddr{IP: d.LocalIP}
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, gwerrors.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless UDP dialers.
func (d *UDPDialer) Close() error { return nil }
