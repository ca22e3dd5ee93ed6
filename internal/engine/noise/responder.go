package noise

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"

	"gwlink/internal/gateway"
	"gwlink/internal/transport"
)

// Responder is the gateway side of the handshake, used by tests and by
// the --serve test gateway.
type Responder struct {
	Static noise.DHKey
	PSK    []byte
	Child  gateway.ChildConfig
}

// Handshake waits for an initiator on conn and answers it.
func (r *Responder) Handshake(conn transport.PacketConn) (*Peer, error) {
	buf := make([]byte, transport.MaxPacket)
	for {
		n, err := conn.ReadPacket(buf)
		if err != nil {
			return nil, err
		}
		if n > 0 && buf[0] == msgInit {
			p, _, err := r.answer(conn, buf[1:n])
			return p, err
		}
	}
}

// Serve answers initiators on conn until it fails, passing every data
// packet to handler.  A new handshake replaces the current peer; a
// retransmitted one is answered with the same response.
func (r *Responder) Serve(conn transport.PacketConn, handler func(p *Peer, pkt []byte)) error {
	buf := make([]byte, transport.MaxPacket)
	var (
		peer     *Peer
		lastInit []byte
		lastResp []byte
	)
	for {
		n, err := conn.ReadPacket(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		kind, body := buf[0], buf[1:n]

		switch kind {
		case msgInit:
			if peer != nil && bytes.Equal(body, lastInit) {
				_ = conn.WritePacket(lastResp)
				continue
			}
			p, resp, err := r.answer(conn, body)
			if err != nil {
				continue
			}
			peer, lastInit, lastResp = p, append(lastInit[:0], body...), resp
		case msgData, msgKeepalive, msgClose:
			if peer == nil {
				continue
			}
			pt, err := peer.in.Apply(nil, body)
			if err != nil {
				continue
			}
			switch kind {
			case msgData:
				handler(peer, pt)
			case msgKeepalive:
				_ = peer.Keepalive()
			case msgClose:
				peer, lastInit = nil, lastInit[:0]
			}
		}
	}
}

func (r *Responder) answer(conn transport.PacketConn, msg1 []byte) (*Peer, []byte, error) {
	hs, err := noise.NewHandshakeState(handshakeConfig(false, r.Static, nil, r.PSK))
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("reading handshake: %w", err)
	}
	payload, err := cbor.Marshal(r.Child)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding child config: %w", err)
	}
	msg, cs1, cs2, err := hs.WriteMessage([]byte{msgResp}, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("writing handshake: %w", err)
	}
	if err := conn.WritePacket(msg); err != nil {
		return nil, nil, err
	}

	initiatorOut, responderOut := spis(hs.ChannelBinding())
	return &Peer{
		conn:   conn,
		in:     newInbound(cs1.Cipher(), initiatorOut),
		out:    newOutbound(cs2.Cipher(), responderOut),
		remote: hs.PeerStatic(),
	}, msg, nil
}

// Peer is an established session seen from the gateway.
type Peer struct {
	conn   transport.PacketConn
	in     *inbound
	out    *outbound
	remote []byte
}

// RemoteKey returns the initiator's static public key.
func (p *Peer) RemoteKey() []byte { return p.remote }

// Send seals pkt as a data packet.
func (p *Peer) Send(pkt []byte) error { return p.write(msgData, pkt) }

// Keepalive sends a sealed keepalive.
func (p *Peer) Keepalive() error { return p.write(msgKeepalive, nil) }

// Close tells the initiator the session is over.  The connection is left
// open.
func (p *Peer) Close() error { return p.write(msgClose, nil) }

func (p *Peer) write(kind byte, pkt []byte) error {
	frame, err := p.out.Apply([]byte{kind}, pkt)
	if err != nil {
		return err
	}
	return p.conn.WritePacket(frame)
}

// Receive reads the next packet and returns its type and opened payload.
// Retransmitted handshake messages are returned with a nil payload.
func (p *Peer) Receive() (byte, []byte, error) {
	buf := make([]byte, transport.MaxPacket)
	for {
		n, err := p.conn.ReadPacket(buf)
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			continue
		}
		kind := buf[0]
		switch kind {
		case msgInit:
			return kind, nil, nil
		case msgData, msgKeepalive, msgClose:
			pt, err := p.in.Apply(nil, buf[1:n])
			if err != nil {
				return kind, nil, err
			}
			return kind, pt, nil
		}
	}
}

// ── Roaming UDP ──────────────────────────────────────────────────────

// RoamingConn serves one initiator over an unconnected UDP socket and
// always replies to the address it last heard from.
type RoamingConn struct {
	c    *net.UDPConn
	mu   sync.Mutex
	peer net.Addr
}

var _ transport.PacketConn = (*RoamingConn)(nil)

// NewRoamingConn wraps a listening UDP socket.
func NewRoamingConn(c *net.UDPConn) *RoamingConn {
	return &RoamingConn{c: c}
}

func (r *RoamingConn) ReadPacket(buf []byte) (int, error) {
	n, addr, err := r.c.ReadFrom(buf)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.peer = addr
	r.mu.Unlock()
	return n, nil
}

func (r *RoamingConn) WritePacket(p []byte) error {
	peer := r.Peer()
	if peer == nil {
		return errors.New("no peer yet")
	}
	_, err := r.c.WriteTo(p, peer)
	return err
}

// Peer returns the address of the last packet received.
func (r *RoamingConn) Peer() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

func (r *RoamingConn) Conn() net.Conn { return r.c }
func (r *RoamingConn) Close() error   { return r.c.Close() }
