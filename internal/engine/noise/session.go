package noise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
	"gwlink/internal/retry"
	"gwlink/internal/transport"
	"gwlink/util"
)

// session is one negotiation and, once established, the live tunnel.
type session struct {
	e       *Engine
	cfg     *config.Config
	cb      gateway.SessionCallback
	network string
	addr    string
	local   net.IP
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    transport.PacketConn
	gen     uint64 // bumped when Migrate swaps conn
	out     *outbound
	in      *inbound
	closing bool
}

var (
	_ gateway.EngineSession = (*session)(nil)
	_ gateway.Migrator      = (*session)(nil)
)

func newSession(parent context.Context, e *Engine, p gateway.NegotiationParams, cb gateway.SessionCallback, addr string) *session {
	ctx, cancel := context.WithCancel(parent)
	network := p.Config.Transport
	if network == "" {
		network = "udp"
	}
	s := &session{
		e:       e,
		cfg:     p.Config,
		cb:      cb,
		network: network,
		addr:    addr,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if p.Underlying != nil {
		s.local = p.Underlying.LocalIP
	}
	s.log = e.log.WithFields(logrus.Fields{
		"engine":  "noise",
		"token":   p.Token,
		"gateway": addr,
		"network": network,
	})
	return s
}

func (s *session) run() {
	defer close(s.done)
	defer s.e.clearLive(s)

	conn, err := s.dial(s.local)
	if err != nil {
		s.finish(s.wrap("dial", err))
		return
	}
	if !s.attach(conn) {
		conn.Close()
		s.finish(nil)
		return
	}

	child, err := s.handshake(conn)
	if err != nil {
		s.finish(err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"spi_in":  fmt.Sprintf("%#08x", s.in.SPI()),
		"spi_out": fmt.Sprintf("%#08x", s.out.SPI()),
	}).Info("noise session established")

	s.cb.OnOpened()
	s.cb.OnChildTransformCreated(gateway.DirectionIn, s.in)
	s.cb.OnChildTransformCreated(gateway.DirectionOut, s.out)
	s.cb.OnChildOpened(child)

	if s.e.keepalive > 0 {
		go s.keepaliveLoop()
	}
	s.finish(s.readLoop())
}

func (s *session) dial(local net.IP) (transport.PacketConn, error) {
	d := transport.New(s.network, local, s.cfg.ConnTimeout)
	c, err := d.Dial(s.ctx, s.network, s.addr)
	if err != nil {
		return nil, err
	}
	return transport.Frame(s.network, c), nil
}

// attach installs conn unless a close was requested during the dial.
func (s *session) attach(conn transport.PacketConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conn = conn
	return true
}

// ── Handshake ────────────────────────────────────────────────────────

func (s *session) handshake(conn transport.PacketConn) (gateway.ChildConfig, error) {
	var child gateway.ChildConfig

	hs, err := noise.NewHandshakeState(handshakeConfig(true, s.e.static, s.e.peer, s.e.psk))
	if err != nil {
		return child, s.wrap("handshake", err)
	}
	msg1, _, _, err := hs.WriteMessage([]byte{msgInit}, nil)
	if err != nil {
		return child, s.wrap("handshake", err)
	}

	resend := s.e.resend
	wait := s.e.wait
	if !transport.IsDatagram(s.network) {
		resend.Sends = 1
		if s.cfg.ConnTimeout > 0 {
			wait = s.cfg.ConnTimeout
		}
	}

	var resp []byte
	buf := make([]byte, transport.MaxPacket)
	err = resend.Run(s.ctx, func(send int) error {
		if send > 1 {
			s.log.WithField("send", send).Debug("retransmitting handshake")
		}
		if err := conn.WritePacket(msg1); err != nil {
			return retry.Permanent(err)
		}
		_ = conn.Conn().SetReadDeadline(time.Now().Add(wait))
		for {
			n, err := conn.ReadPacket(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					return gwerrors.ErrTimeout
				}
				return retry.Permanent(err)
			}
			if n > 0 && buf[0] == msgResp {
				resp = append([]byte(nil), buf[1:n]...)
				return nil
			}
		}
	})
	_ = conn.Conn().SetReadDeadline(time.Time{})
	if err != nil {
		return child, s.wrap("handshake", err)
	}

	payload, cs1, cs2, err := hs.ReadMessage(nil, resp)
	if err != nil {
		return child, s.wrap("handshake", fmt.Errorf("%w: %v", gwerrors.ErrAuthFailed, err))
	}
	if len(payload) > 0 {
		if err := cbor.Unmarshal(payload, &child); err != nil {
			return child, s.wrap("child-config", err)
		}
	}

	outSPI, inSPI := spis(hs.ChannelBinding())
	s.mu.Lock()
	s.out = newOutbound(cs1.Cipher(), outSPI)
	s.in = newInbound(cs2.Cipher(), inSPI)
	s.mu.Unlock()
	return child, nil
}

// ── Established ──────────────────────────────────────────────────────

func (s *session) readLoop() error {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		conn, gen := s.current()
		if s.e.keepalive > 0 {
			_ = conn.Conn().SetReadDeadline(time.Now().Add(deadIntervals * s.e.keepalive))
		}
		n, err := conn.ReadPacket(*buf)
		if err != nil {
			if s.replaced(gen) {
				continue
			}
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return s.wrap("keepalive", gwerrors.ErrTimeout)
			}
			return s.wrap("read", gwerrors.Wrap("read", s.addr, err))
		}
		if n == 0 {
			continue
		}

		body := (*buf)[1:n]
		switch (*buf)[0] {
		case msgData:
			if s.e.onPacket != nil {
				s.e.onPacket(append([]byte(nil), body...))
			}
		case msgKeepalive:
			if _, err := s.in.Apply(nil, body); err != nil {
				s.log.WithError(err).Debug("dropping keepalive")
			}
		case msgClose:
			if _, err := s.in.Apply(nil, body); err != nil {
				s.log.WithError(err).Debug("dropping close")
				continue
			}
			return s.wrap("close", gwerrors.ErrSessionClosed)
		default:
			s.log.WithField("type", (*buf)[0]).Debug("dropping unexpected packet")
		}
	}
}

func (s *session) keepaliveLoop() {
	t := time.NewTicker(s.e.keepalive)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.sendControl(msgKeepalive); err != nil {
				s.log.WithError(err).Debug("keepalive failed")
			}
		}
	}
}

func (s *session) sendControl(kind byte) error {
	s.mu.Lock()
	conn, out := s.conn, s.out
	s.mu.Unlock()
	if conn == nil || out == nil {
		return gwerrors.ErrNotConnected
	}
	frame, err := out.Apply([]byte{kind}, nil)
	if err != nil {
		return err
	}
	return conn.WritePacket(frame)
}

func (s *session) writeData(ciphertext []byte) error {
	s.mu.Lock()
	conn, closing := s.conn, s.closing
	s.mu.Unlock()
	if conn == nil || closing {
		return gwerrors.ErrNotConnected
	}
	frame := make([]byte, 0, 1+len(ciphertext))
	frame = append(frame, msgData)
	frame = append(frame, ciphertext...)
	return conn.WritePacket(frame)
}

// Migrate moves a datagram session to a new source address.  The
// gateway learns the new address from the keepalive sent on it.
func (s *session) Migrate(rec *gateway.NetworkRecord) error {
	if !transport.IsDatagram(s.network) {
		return fmt.Errorf("%w: %s sessions are bound to their connection", gwerrors.ErrUnsupported, s.network)
	}
	var local net.IP
	if rec != nil {
		local = rec.LocalIP
	}
	conn, err := s.dial(local)
	if err != nil {
		return s.wrap("migrate", err)
	}

	s.mu.Lock()
	if s.closing || s.out == nil {
		s.mu.Unlock()
		conn.Close()
		return gwerrors.ErrNotConnected
	}
	old := s.conn
	s.conn = conn
	s.gen++
	s.mu.Unlock()

	old.Close()
	s.log.WithField("network", rec.String()).Info("noise session migrated")
	return s.sendControl(msgKeepalive)
}

// RequestClose tells the gateway the session is going away, then
// closes it.  OnSessionClosed(nil) follows.
func (s *session) RequestClose() {
	s.close(true)
}

// ForceClose closes the session without notifying the gateway.
func (s *session) ForceClose() {
	s.close(false)
}

func (s *session) close(notify bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn, out := s.conn, s.out
	s.mu.Unlock()

	if notify && conn != nil && out != nil {
		if frame, err := out.Apply([]byte{msgClose}, nil); err == nil {
			_ = conn.WritePacket(frame)
		}
	}
	if conn != nil {
		conn.Close()
	}
	s.cancel()
}

// finish reports the end of the session exactly once.
func (s *session) finish(err error) {
	s.mu.Lock()
	requested := s.closing
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.cancel()

	if requested {
		s.log.Debug("noise session closed")
		s.cb.OnSessionClosed(nil)
		return
	}
	s.log.WithError(err).Warn("noise session lost")
	s.cb.OnSessionClosed(err)
}

func (s *session) current() (transport.PacketConn, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.gen
}

func (s *session) replaced(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen && !s.closing
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) wrap(op string, err error) error {
	return gwerrors.WrapEngine("noise", op, s.cfg.Host, s.cfg.Port, err)
}
