// Package sshengine negotiates gateway tunnels over SSH.  The session
// authenticates with the usual key, agent and password methods, then
// opens a point-to-point "tun@openssh.com" channel that carries IP
// packets framed with their address family.
package sshengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
	"gwlink/util"
)

// DefaultKeepalive is the interval between keepalive@openssh.com
// requests.
const DefaultKeepalive = 15 * time.Second

// Options tunes an Engine.
type Options struct {
	// Logger defaults to a discarding logger.
	Logger logrus.FieldLogger
	// OnPacket receives every framed packet from the gateway, to be
	// opened with the inbound transform.
	OnPacket func(frame []byte)
	// Prompt reads passwords and passphrases; TerminalPrompt by default.
	Prompt Prompt
	// Auth replaces the methods derived from the config.
	Auth []ssh.AuthMethod
	// HostKeyCallback replaces the verifier derived from the config.
	HostKeyCallback ssh.HostKeyCallback
	// Keepalive is the keepalive interval: zero selects
	// DefaultKeepalive and a negative value disables keepalives.  A
	// request unanswered for one interval marks the session lost.
	Keepalive time.Duration
}

// Engine starts SSH negotiations.
type Engine struct {
	user      string
	auth      []ssh.AuthMethod
	hostKey   ssh.HostKeyCallback
	log       logrus.FieldLogger
	onPacket  func([]byte)
	keepalive time.Duration

	mu   sync.Mutex
	live *session
}

var _ gateway.Engine = (*Engine)(nil)

// NewFromConfig resolves credentials and the host key policy once.
func NewFromConfig(cfg *config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		user:      cfg.SSHUser,
		auth:      opts.Auth,
		hostKey:   opts.HostKeyCallback,
		log:       opts.Logger,
		onPacket:  opts.OnPacket,
		keepalive: opts.Keepalive,
	}
	if e.log == nil {
		e.log = util.DiscardLogger()
	}
	if e.keepalive == 0 {
		e.keepalive = DefaultKeepalive
	}
	if e.user == "" {
		return nil, &gwerrors.ConfigError{Field: "ssh-user", Message: "required for the ssh engine", Hint: "use user@host"}
	}

	var err error
	if e.auth == nil {
		if e.auth, err = BuildAuthMethods(cfg, opts.Prompt); err != nil {
			return nil, gwerrors.WrapEngine("ssh", "auth", cfg.Host, cfg.Port, err)
		}
	}
	if e.hostKey == nil {
		if e.hostKey, err = HostKeyCallback(cfg); err != nil {
			return nil, gwerrors.WrapEngine("ssh", "hostkey", cfg.Host, cfg.Port, err)
		}
	}
	return e, nil
}

// StartNegotiation dials the gateway and runs the ssh handshake in the
// background.
func (e *Engine) StartNegotiation(ctx context.Context, p gateway.NegotiationParams, cb gateway.SessionCallback) (gateway.EngineSession, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("ssh: negotiation without config")
	}
	addr, err := util.ResolveAddr(p.Config.Host, p.Config.Port, p.Config.NoDNS)
	if err != nil {
		return nil, err
	}
	s := newSession(ctx, e, p, cb, addr)

	e.mu.Lock()
	e.live = s
	e.mu.Unlock()

	go s.run()
	return s, nil
}

// Send writes a framed packet to the live session's tun channel.
func (e *Engine) Send(frame []byte) error {
	e.mu.Lock()
	s := e.live
	e.mu.Unlock()
	if s == nil {
		return gwerrors.ErrNotConnected
	}
	return s.writeFrame(frame)
}

func (e *Engine) clearLive(s *session) {
	e.mu.Lock()
	if e.live == s {
		e.live = nil
	}
	e.mu.Unlock()
}

// classify maps handshake failures onto the sentinel errors the
// connection uses to stop retrying.
func classify(err error, hostKeyErr error) error {
	switch {
	case hostKeyErr != nil:
		return fmt.Errorf("%w: %v", gwerrors.ErrHostKeyMismatch, hostKeyErr)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %v", gwerrors.ErrAuthFailed, err)
	default:
		return err
	}
}
