package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"gwlink/config"
	"gwlink/internal/engine/noise"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
	"gwlink/internal/transport"
	"gwlink/util"
)

const (
	serveAddress = "10.99.0.2/32"
	serveMTU     = 1400
)

// runServe runs a Noise test gateway that echoes every packet back to
// the initiator.
func runServe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.StaticKeyPath == "" {
		return &gwerrors.ConfigError{Field: "static-key", Message: "required with --serve", Hint: "generate one with --genkey"}
	}
	static, err := noise.LoadPrivateKey(cfg.StaticKeyPath)
	if err != nil {
		return err
	}
	resp := &noise.Responder{Static: static, Child: serveChild(cfg)}
	if cfg.PSKFile != "" {
		if resp.PSK, err = noise.LoadPSK(cfg.PSKFile); err != nil {
			return err
		}
	}

	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = "0.0.0.0"
	}
	if port == 0 {
		port = config.DefaultNoisePort
	}
	addr := util.FormatAddr(host, port)

	log := util.NewLogger(cfg.Verbose).WithFields(logrus.Fields{"component": "serve", "addr": addr})
	fmt.Fprintf(out, "gateway public key: %s\n", noise.EncodeKey(static.Public))

	echo := func(p *noise.Peer, pkt []byte) {
		log.WithField("bytes", len(pkt)).Debug("echo")
		if err := p.Send(pkt); err != nil {
			log.WithError(err).Warn("echo failed")
		}
	}

	switch cfg.Transport {
	case "tcp":
		return serveTCP(ctx, addr, resp, echo, log)
	default:
		return serveUDP(ctx, addr, resp, echo, log)
	}
}

func serveChild(cfg *config.Config) gateway.ChildConfig {
	child := gateway.ChildConfig{
		Addresses: []string{serveAddress},
		Routes:    []string{"0.0.0.0/0"},
		MTU:       serveMTU,
	}
	if cfg.TunnelAddress != "" {
		child.Addresses = []string{cfg.TunnelAddress}
	}
	if cfg.TunnelPeer != "" {
		child.DNS = []string{cfg.TunnelPeer}
	}
	return child
}

func serveUDP(ctx context.Context, addr string, resp *noise.Responder, h func(*noise.Peer, []byte), log logrus.FieldLogger) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	log.Info("listening (udp)")

	err = resp.Serve(noise.NewRoamingConn(c), h)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func serveTCP(ctx context.Context, addr string, resp *noise.Responder, h func(*noise.Peer, []byte), log logrus.FieldLogger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)
	go func() {
		<-ctx.Done()
		l.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()
	log.Info("listening (tcp)")

	for {
		c, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[c] = struct{}{}
		mu.Unlock()
		if ctx.Err() != nil {
			c.Close()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, c)
				mu.Unlock()
				c.Close()
			}()
			clog := log.WithField("remote", c.RemoteAddr().String())
			clog.Info("initiator connected")
			err := resp.Serve(transport.Frame("tcp", c), h)
			clog.WithError(err).Info("initiator gone")
		}()
	}
}
