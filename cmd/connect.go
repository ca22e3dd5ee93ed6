package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gwlink/config"
	"gwlink/internal/engine/noise"
	"gwlink/internal/engine/sshengine"
	"gwlink/internal/gateway"
	"gwlink/internal/journal"
	"gwlink/internal/metrics"
	"gwlink/internal/netmon"
	"gwlink/internal/vnet"
	"gwlink/util"
)

// tunnelEngine is a negotiation engine that also carries the sealed
// packets of its live session.
type tunnelEngine interface {
	gateway.Engine
	Send(pkt []byte) error
}

// runConnection brings up one gateway connection and keeps it until ctx
// is cancelled, the console exits or the connection tears itself down.
func runConnection(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := util.NewLogger(cfg.Verbose)
	log := logger.WithField("component", "cli")

	m := metrics.New()
	journals := journal.Multi{}
	if cfg.JournalPath != "" {
		fj, err := journal.OpenFile(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer fj.Close()
		journals = append(journals, fj)
	}

	// ── userspace tunnel ─────────────────────────────────────────
	iface := vnet.NewInterface("gw0", logger)
	pub := vnet.NewPublisher(iface.Name(), logger)
	iface.SetDeliver(func(pkt []byte) {
		log.WithField("bytes", len(pkt)).Debug("packet received")
	})

	eng, err := newEngine(cfg, logger, iface.Receive)
	if err != nil {
		return err
	}
	iface.SetUplink(eng.Send)

	// ── underlying network ───────────────────────────────────────
	var (
		trackers gateway.TrackerFactory
		manual   *netmon.Manual
	)
	if cfg.Interface != "" {
		tr := &netmon.InterfaceTracker{Name: cfg.Interface, Interval: cfg.PollInterval, Log: logger}
		trackers = tr.Track
	} else {
		manual = netmon.NewManual()
		manual.Set(&gateway.NetworkRecord{ID: "default"})
		trackers = manual.Track
	}

	conn, err := gateway.New(uuid.New(), cfg, gateway.Dependencies{
		Engine:    eng,
		Trackers:  trackers,
		Publisher: pub,
		Tunnels:   func() (gateway.TunnelInterface, error) { return iface, nil },
		Logger:    logger,
		Metrics:   m,
		Journal:   journals,
	})
	if err != nil {
		return err
	}

	// ── supervise ────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		select {
		case <-runCtx.Done():
			log.Info("shutting down")
			conn.TeardownAsynchronously()
			<-conn.Done()
		case <-conn.Done():
			cancel()
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv, err := metricsServer(cfg, m)
		if err != nil {
			conn.TeardownAsynchronously()
			<-conn.Done()
			return err
		}
		g.Go(func() error {
			go func() {
				<-runCtx.Done()
				sctx, done := context.WithTimeout(context.Background(), 2*time.Second)
				defer done()
				_ = srv.Shutdown(sctx)
			}()
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel()
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	if cfg.Console {
		c := &console{conn: conn, manual: manual, pub: pub, iface: iface, metrics: m, out: out}
		g.Go(func() error { return runConsole(runCtx, cancel, c) })
	}

	err = g.Wait()
	if st := conn.Status(); st.LastError != "" {
		log.WithFields(logrus.Fields{"state": st.State, "error": st.LastError}).Info("connection finished")
	}
	return err
}

// newEngine builds the negotiation engine named by cfg.  Secrets are
// prompted for here, once, not on every attempt.
func newEngine(cfg *config.Config, log logrus.FieldLogger, onPacket func([]byte)) (tunnelEngine, error) {
	switch cfg.Engine {
	case config.EngineSSH:
		return sshengine.NewFromConfig(cfg, sshengine.Options{
			Logger:   log,
			OnPacket: onPacket,
			Prompt:   sshengine.TerminalPrompt,
		})
	default:
		opts := noise.Options{Logger: log, OnPacket: onPacket}
		if cfg.PSKPrompt {
			raw, err := sshengine.TerminalPrompt("Pre-shared key: ")
			if err != nil {
				return nil, err
			}
			if opts.PSK, err = noise.ParseKey(strings.TrimSpace(string(raw))); err != nil {
				return nil, fmt.Errorf("pre-shared key: %w", err)
			}
		}
		return noise.NewFromConfig(cfg, opts)
	}
}

func metricsServer(cfg *config.Config, m *metrics.Collector) (*http.Server, error) {
	reg, err := metrics.NewRegistry(m, prometheus.Labels{"gateway": cfg.Address(), "engine": cfg.Engine})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
