// Package cmd wires up the CLI flags and runs a gateway connection.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"gwlink/config"
	"gwlink/internal/engine/noise"
	"gwlink/internal/journal"
	"gwlink/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gwlink/cmd.version=1.1.0"
var version = "0.3.0" //nolint:gochecknoglobals

// options are the flags that select a mode rather than configure the
// connection.
type options struct {
	configFile  string
	schedule    string
	verbose     int
	quiet       bool
	genKey      bool
	readJournal string
	journalConn string
	serve       bool
	dryRun      bool
	version     bool
	help        bool
}

// Execute parses args and runs the selected gwlink mode.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	// ── defaults < file < env ────────────────────────────────────
	cfg := config.Default()
	path, err := configPath(args)
	if err != nil {
		return err
	}
	if path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}

	// ── flags ────────────────────────────────────────────────────
	var o options
	fs := newFlagSet(cfg, &o)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out, fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	if o.help || len(args) == 0 {
		printUsage(out, fs)
		return nil
	}
	if o.version {
		fmt.Fprintf(out, "gwlink %s\n", version)
		return nil
	}
	if o.genKey {
		return genKey(out)
	}
	if o.readJournal != "" {
		return readJournal(out, o.readJournal, o.journalConn)
	}

	if fs.Changed("retry-schedule") {
		s, err := config.ParseSchedule(o.schedule)
		if err != nil {
			return fmt.Errorf("retry-schedule: %w", err)
		}
		cfg.RetrySchedule = s
	}
	if fs.Changed("verbose") {
		cfg.Verbose = int(util.LogNormal) + o.verbose
	}
	if o.quiet {
		cfg.Verbose = int(util.LogQuiet)
	}

	// ── positional gateway ───────────────────────────────────────
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.GatewaySpec = rest[0]
	default:
		return fmt.Errorf("too many arguments: %s", strings.Join(rest[1:], " "))
	}
	if cfg.GatewaySpec != "" {
		user, host, port, err := config.ParseGatewaySpec(cfg.GatewaySpec, config.DefaultPortFor(cfg.Engine))
		if err != nil {
			return err
		}
		cfg.Host, cfg.Port = host, port
		if user != "" {
			cfg.SSHUser = user
		}
	}

	if o.serve {
		return runServe(ctx, cfg, out)
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if o.dryRun {
		printPlan(out, cfg)
		return nil
	}
	return runConnection(ctx, cfg, out)
}

// configPath finds -f/--config before the real parse so the file can
// supply the defaults the flags override.
func configPath(args []string) (string, error) {
	fs := flag.NewFlagSet("gwlink", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var path string
	fs.StringVarP(&path, "config", "f", "", "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return path, nil
}

// newFlagSet binds every flag to its field in cfg, so the values
// already loaded act as the flag defaults.
func newFlagSet(cfg *config.Config, o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("gwlink", flag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVarP(&o.configFile, "config", "f", "", "Config file (.yaml, .yml or .toml)")

	// ── gateway ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.Engine, "engine", "e", cfg.Engine, "Negotiation engine: noise or ssh")
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Noise transport: udp or tcp")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")
	fs.DurationVarP(&cfg.ConnTimeout, "timeout", "w", cfg.ConnTimeout, "Dial and handshake timeout")

	// ── noise ────────────────────────────────────────────────────
	fs.StringVar(&cfg.StaticKeyPath, "static-key", cfg.StaticKeyPath, "Local static private key file")
	fs.StringVar(&cfg.GatewayKey, "gateway-key", cfg.GatewayKey, "Gateway public key, or a file holding it")
	fs.StringVar(&cfg.PSKFile, "psk-file", cfg.PSKFile, "Pre-shared key file")
	fs.BoolVar(&cfg.PSKPrompt, "psk", cfg.PSKPrompt, "Prompt for the pre-shared key")

	// ── ssh ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.TunnelUnit, "tun-unit", cfg.TunnelUnit, "Remote tun unit (-1 = any)")
	fs.StringVar(&cfg.TunnelAddress, "tun-address", cfg.TunnelAddress, "Inner address of the tunnel (CIDR)")
	fs.StringVar(&cfg.TunnelPeer, "tun-peer", cfg.TunnelPeer, "Inner address of the gateway")

	// ── lifecycle ────────────────────────────────────────────────
	fs.DurationVar(&cfg.TeardownTimeout, "teardown-timeout", cfg.TeardownTimeout, "Wait for a graceful close before forcing it")
	fs.DurationVar(&cfg.LossGrace, "loss-grace", cfg.LossGrace, "Tolerate a missing underlying network this long")
	fs.StringVar(&cfg.RetryPolicy, "retry-policy", cfg.RetryPolicy, "Reconnect policy: schedule or exponential")
	fs.StringVar(&o.schedule, "retry-schedule", "", "Comma-separated retry delays, e.g. 1s,5s,1m")
	fs.DurationVar(&cfg.RetryInitial, "retry-initial", cfg.RetryInitial, "First exponential retry delay")
	fs.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "Longest exponential retry delay")

	// ── underlying network ───────────────────────────────────────
	fs.StringVarP(&cfg.Interface, "interface", "i", cfg.Interface, "Host interface to track (default: manual)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interface sampling interval")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&o.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "Warnings and errors only")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Append lifecycle records to this file")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "Interactive operator console")

	// ── modes ────────────────────────────────────────────────────
	fs.BoolVar(&o.genKey, "genkey", false, "Generate a static key pair and exit")
	fs.StringVar(&o.readJournal, "read-journal", "", "Print a journal file and exit")
	fs.StringVar(&o.journalConn, "journal-conn", "", "With --read-journal, only this connection id")
	fs.BoolVar(&o.serve, "serve", false, "Run a noise test gateway on [host][:port]")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "Show this help")

	return fs
}

// ── modes ────────────────────────────────────────────────────────────

func genKey(out io.Writer) error {
	key, err := noise.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Fprintf(out, "PrivateKey = %s\n", noise.EncodeKey(key.Private))
	fmt.Fprintf(out, "PublicKey  = %s\n", noise.EncodeKey(key.Public))
	return nil
}

func readJournal(out io.Writer, path, conn string) error {
	entries, err := journal.ReadAll(path, journal.Filter{Connection: conn})
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	for _, e := range entries {
		fmt.Fprintln(out, e.String())
	}
	if len(entries) == 0 {
		return errors.New("no journal entries")
	}
	return nil
}

func printPlan(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "gateway   %s (%s", cfg.Address(), cfg.Engine)
	if cfg.Engine == config.EngineNoise {
		fmt.Fprintf(out, " over %s", cfg.Transport)
	} else {
		fmt.Fprintf(out, " as %s", cfg.SSHUser)
	}
	fmt.Fprintln(out, ")")

	network := "manual"
	if cfg.Interface != "" {
		network = "interface " + cfg.Interface
	}
	fmt.Fprintf(out, "network   %s\n", network)
	fmt.Fprintf(out, "retry     %s", cfg.RetryPolicy)
	if len(cfg.RetrySchedule) > 0 {
		fmt.Fprintf(out, " %v", cfg.RetrySchedule)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "timers    teardown %s, loss grace %s\n", cfg.TeardownTimeout, cfg.LossGrace)
	fmt.Fprintln(out, "configuration OK")
}

func printUsage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(out, `gwlink – gateway connection manager v%s

Keeps one tunnel to a gateway up across network changes.

Usage:
  gwlink [options] <host>[:port]                   Noise gateway
  gwlink -e ssh [options] <user>@<host>[:port]      SSH tun gateway
  gwlink --serve --static-key KEY [host][:port]     Noise test gateway
  gwlink --genkey                                   New static key pair
  gwlink --read-journal FILE                        Print a journal

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(out, `
Examples:
  gwlink --static-key me.key --gateway-key gw.pub vpn.example.com
  gwlink -e ssh --ssh-agent --tun-address 10.0.9.2/30 admin@bastion
  gwlink -i wlan0 --console --journal gw.journal vpn.example.com
  gwlink -f gwlink.yaml --metrics-addr :9102
`)
}
