package sshengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
	"gwlink/internal/transport"
	"gwlink/util"
)

const (
	tunChannel       = "tun@openssh.com"
	keepaliveRequest = "keepalive@openssh.com"

	tunModePointToPoint = 1
	tunUnitAny          = 0x7fffffff
)

// tunRequest is the extra data of a tun channel open.
type tunRequest struct {
	Mode uint32
	Unit uint32
}

type session struct {
	e     *Engine
	cfg   *config.Config
	cb    gateway.SessionCallback
	addr  string
	local net.IP
	log   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    net.Conn
	client  *ssh.Client
	ch      ssh.Channel
	closing bool
	dead    bool // keepalive went unanswered

	wmu sync.Mutex
}

var _ gateway.EngineSession = (*session)(nil)

func newSession(parent context.Context, e *Engine, p gateway.NegotiationParams, cb gateway.SessionCallback, addr string) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		e:      e,
		cfg:    p.Config,
		cb:     cb,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
	}
	if p.Underlying != nil {
		s.local = p.Underlying.LocalIP
	}
	s.log = e.log.WithFields(logrus.Fields{
		"engine":  "ssh",
		"token":   p.Token,
		"gateway": addr,
	})
	return s
}

func (s *session) run() {
	defer s.e.clearLive(s)

	conn, err := transport.New("tcp", s.local, s.cfg.ConnTimeout).Dial(s.ctx, "tcp", s.addr)
	if err != nil {
		s.finish(s.wrap("dial", err))
		return
	}
	if !s.attach(func() { s.conn = conn }) {
		conn.Close()
		s.finish(nil)
		return
	}

	var hostKeyErr error
	sshCfg := &ssh.ClientConfig{
		User: s.e.user,
		Auth: s.e.auth,
		HostKeyCallback: func(host string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = s.e.hostKey(host, remote, key)
			return hostKeyErr
		},
		Timeout: s.cfg.ConnTimeout,
	}
	s.log.WithField("user", s.e.user).Debug("ssh handshake")
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, sshCfg)
	if err != nil {
		s.finish(s.wrap("handshake", classify(err, hostKeyErr)))
		return
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	if !s.attach(func() { s.client = client }) {
		client.Close()
		s.finish(nil)
		return
	}
	s.cb.OnOpened()

	unit := uint32(tunUnitAny)
	if s.cfg.TunnelUnit >= 0 {
		unit = uint32(s.cfg.TunnelUnit)
	}
	ch, chReqs, err := client.OpenChannel(tunChannel, ssh.Marshal(&tunRequest{Mode: tunModePointToPoint, Unit: unit}))
	if err != nil {
		s.finish(s.wrap("channel", err))
		return
	}
	go ssh.DiscardRequests(chReqs)
	if !s.attach(func() { s.ch = ch }) {
		ch.Close()
		s.finish(nil)
		return
	}

	// Both ends derive the same identifiers from the session hash.
	id := sshConn.SessionID()
	in := afDecap{spi: binary.BigEndian.Uint32(id[4:8])}
	out := afEncap{spi: binary.BigEndian.Uint32(id[0:4])}
	s.log.WithField("unit", unit).Info("ssh tun channel open")

	s.cb.OnChildTransformCreated(gateway.DirectionIn, in)
	s.cb.OnChildTransformCreated(gateway.DirectionOut, out)
	s.cb.OnChildOpened(s.childConfig())

	go s.monitor(client)
	if s.e.keepalive > 0 {
		go s.keepaliveLoop(client)
	}
	s.finish(s.readLoop(ch))
}

func (s *session) childConfig() gateway.ChildConfig {
	var c gateway.ChildConfig
	if s.cfg.TunnelAddress != "" {
		c.Addresses = []string{s.cfg.TunnelAddress}
	}
	if s.cfg.TunnelPeer != "" {
		c.Routes = []string{s.cfg.TunnelPeer}
	}
	return c
}

// attach runs set under the session lock unless a close was requested.
func (s *session) attach(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	set()
	return true
}

// monitor closes the channel when the ssh connection ends, which ends
// the read loop.
func (s *session) monitor(client *ssh.Client) {
	err := client.Wait()
	if err != nil && !s.isClosing() {
		s.log.WithError(err).Debug("ssh connection closed")
	}
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// keepaliveLoop sends keepalive requests and drops the connection when
// one goes unanswered, which ends the read loop.
func (s *session) keepaliveLoop(client *ssh.Client) {
	tick := time.NewTicker(s.e.keepalive)
	defer tick.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest(keepaliveRequest, true, nil)
			reply <- err
		}()

		var err error
		select {
		case <-s.ctx.Done():
			return
		case err = <-reply:
		case <-time.After(s.e.keepalive):
			err = gwerrors.ErrTimeout
		}
		if err == nil {
			s.log.Debug("ssh keepalive ok")
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		s.dead = true
		conn := s.conn
		s.mu.Unlock()
		s.log.WithError(err).Warn("ssh keepalive failed")
		conn.Close()
		return
	}
}

// readLoop reads uint32-length framed packets from the channel.
func (s *session) readLoop(ch ssh.Channel) error {
	buf := util.GetBuf()
	defer util.PutBuf(buf)
	var hdr [4]byte

	for {
		if _, err := io.ReadFull(ch, hdr[:]); err != nil {
			return s.readErr(err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if int(n) > len(*buf) {
			return s.wrap("read", fmt.Errorf("frame of %d bytes exceeds %d", n, len(*buf)))
		}
		if _, err := io.ReadFull(ch, (*buf)[:n]); err != nil {
			return s.readErr(err)
		}
		if s.e.onPacket != nil {
			s.e.onPacket(append([]byte(nil), (*buf)[:n]...))
		}
	}
}

func (s *session) readErr(err error) error {
	s.mu.Lock()
	closing, dead := s.closing, s.dead
	s.mu.Unlock()
	if dead {
		return s.wrap("keepalive", gwerrors.ErrTimeout)
	}
	if closing {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return s.wrap("channel", gwerrors.ErrSessionClosed)
	}
	return s.wrap("read", gwerrors.Wrap("read", s.addr, err))
}

func (s *session) writeFrame(frame []byte) error {
	s.mu.Lock()
	ch, closing := s.ch, s.closing
	s.mu.Unlock()
	if ch == nil || closing {
		return gwerrors.ErrNotConnected
	}

	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := ch.Write(out)
	return err
}

// RequestClose closes the channel and then the connection, which the
// gateway sees as an orderly disconnect.
func (s *session) RequestClose() {
	s.close(true)
}

// ForceClose drops the TCP connection.
func (s *session) ForceClose() {
	s.close(false)
}

func (s *session) close(graceful bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn, client, ch := s.conn, s.client, s.ch
	s.mu.Unlock()

	if graceful {
		if ch != nil {
			ch.Close()
		}
		if client != nil {
			client.Close()
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
	conn, client := s.conn, s.client
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if conn != nil {
		conn.Close()
	}
	s.cancel()

	if requested {
		s.log.Debug("ssh session closed")
		s.cb.OnSessionClosed(nil)
		return
	}
	s.log.WithError(err).Warn("ssh session lost")
	s.cb.OnSessionClosed(err)
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) wrap(op string, err error) error {
	return gwerrors.WrapEngine("ssh", op, s.cfg.Host, s.cfg.Port, err)
}
