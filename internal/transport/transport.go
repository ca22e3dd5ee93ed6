// Package transport provides the connection establishment used by the
// negotiation engines.  Dialers optionally bind to the local address of
// the selected underlying network so that a tunnel follows the network
// it was negotiated on; framing adapts stream and datagram connections
// to a single packet interface.
package transport

import (
	"context"
	"net"
	"strings"
	"time"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// New returns the stateless dialer for network ("tcp*" or "udp*"),
// bound to localIP when it is non-nil.
func New(network string, localIP net.IP, timeout time.Duration) Dialer {
	if IsDatagram(network) {
		return &UDPDialer{Timeout: timeout, LocalIP: localIP}
	}
	return &TCPDialer{Timeout: timeout, LocalIP: localIP}
}

// IsDatagram reports whether network preserves message boundaries.
func IsDatagram(network string) bool {
	return strings.HasPrefix(network, "udp")
}
