// Package noise implements a gateway negotiation engine over the Noise
// protocol framework.
//
// The initiator runs a Noise_IK handshake (optionally IKpsk2) with the
// gateway's static key, receives the child configuration as the payload
// of the second handshake message, and derives one transform per
// direction from the resulting cipher states.  Sessions over UDP can
// migrate to a new source address without renegotiating.
package noise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
	"gwlink/internal/retry"
	"gwlink/util"
)

const (
	// DefaultKeepalive is the interval between keepalives on an idle
	// session.
	DefaultKeepalive = 10 * time.Second

	// deadIntervals keepalive intervals without traffic mark the session
	// lost.
	deadIntervals = 3

	defaultHandshakeWait = 2 * time.Second
)

// Options tunes an Engine.  The zero value is usable.
type Options struct {
	// PSK overrides the pre-shared key file named in the config.
	PSK []byte
	// Logger defaults to a discarding logger.
	Logger logrus.FieldLogger
	// OnPacket receives every sealed data packet from the gateway, to be
	// opened with the inbound transform.  Called from the session's
	// reader goroutine.
	OnPacket func(ciphertext []byte)
	// Keepalive is the keepalive interval: zero selects
	// DefaultKeepalive and a negative value disables keepalives.
	Keepalive time.Duration
	// Handshake paces handshake retransmits on datagram transports.
	Handshake *retry.Retransmit
	// HandshakeWait bounds the wait for a response to one handshake
	// message on datagram transports.
	HandshakeWait time.Duration
}

// Engine starts Noise negotiations.  At most one session is live at a
// time; Send writes to it.
type Engine struct {
	static    noise.DHKey
	peer      []byte
	psk       []byte
	log       logrus.FieldLogger
	onPacket  func([]byte)
	keepalive time.Duration
	resend    retry.Retransmit
	wait      time.Duration

	mu   sync.Mutex
	live *session
}

var _ gateway.Engine = (*Engine)(nil)

// New returns an engine authenticating as static to the gateway whose
// static public key is gatewayKey.
func New(static noise.DHKey, gatewayKey []byte, opts Options) *Engine {
	e := &Engine{
		static:    static,
		peer:      append([]byte(nil), gatewayKey...),
		psk:       opts.PSK,
		log:       opts.Logger,
		onPacket:  opts.OnPacket,
		keepalive: opts.Keepalive,
		wait:      opts.HandshakeWait,
	}
	if e.log == nil {
		e.log = util.DiscardLogger()
	}
	if e.keepalive == 0 {
		e.keepalive = DefaultKeepalive
	}
	if e.wait <= 0 {
		e.wait = defaultHandshakeWait
	}
	if opts.Handshake != nil {
		e.resend = *opts.Handshake
	} else {
		e.resend = retry.Retransmit{Jitter: true}
	}
	return e
}

// NewFromConfig loads the keys named in cfg.  opts.PSK, when set, takes
// precedence over cfg.PSKFile.
func NewFromConfig(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg.StaticKeyPath == "" {
		return nil, &gwerrors.ConfigError{Field: "static-key", Message: "required for the noise engine"}
	}
	static, err := LoadPrivateKey(cfg.StaticKeyPath)
	if err != nil {
		return nil, err
	}
	if cfg.GatewayKey == "" {
		return nil, &gwerrors.ConfigError{Field: "gateway-key", Message: "required for the noise engine"}
	}
	peer, err := ResolvePublicKey(cfg.GatewayKey)
	if err != nil {
		return nil, err
	}
	if opts.PSK == nil && cfg.PSKFile != "" {
		if opts.PSK, err = LoadPSK(cfg.PSKFile); err != nil {
			return nil, err
		}
	}
	return New(static, peer, opts), nil
}

// PublicKey returns the engine's static public key.
func (e *Engine) PublicKey() []byte {
	return append([]byte(nil), e.static.Public...)
}

// StartNegotiation dials the gateway and runs the handshake in the
// background.
func (e *Engine) StartNegotiation(ctx context.Context, p gateway.NegotiationParams, cb gateway.SessionCallback) (gateway.EngineSession, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("noise: negotiation without config")
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

// Send writes a sealed packet to the live session.
func (e *Engine) Send(ciphertext []byte) error {
	e.mu.Lock()
	s := e.live
	e.mu.Unlock()
	if s == nil {
		return gwerrors.ErrNotConnected
	}
	return s.writeData(ciphertext)
}

func (e *Engine) clearLive(s *session) {
	e.mu.Lock()
	if e.live == s {
		e.live = nil
	}
	e.mu.Unlock()
}
