package config

// loader.go - configuration loading from files and environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile: .yaml/.yml or .toml)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ── Config file schema ───────────────────────────────────────────────
//
// Files are sectioned; every key is optional and only set keys override
// the values already in the Config.  Durations are Go duration strings
// ("5s", "15m").

// File is the on-disk configuration layout.
type File struct {
	Gateway struct {
		Address     string   `yaml:"address" toml:"address"`
		Engine      string   `yaml:"engine" toml:"engine"`
		Transport   string   `yaml:"transport" toml:"transport"`
		NoDNS       *bool    `yaml:"no_dns" toml:"no_dns"`
		ConnTimeout Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"gateway" toml:"gateway"`

	Noise struct {
		StaticKey  string `yaml:"static_key" toml:"static_key"`
		GatewayKey string `yaml:"gateway_key" toml:"gateway_key"`
		PSKFile    string `yaml:"psk_file" toml:"psk_file"`
	} `yaml:"noise" toml:"noise"`

	SSH struct {
		Key           string `yaml:"key" toml:"key"`
		Agent         *bool  `yaml:"agent" toml:"agent"`
		StrictHostKey *bool  `yaml:"strict_host_key" toml:"strict_host_key"`
		KnownHosts    string `yaml:"known_hosts" toml:"known_hosts"`
		TunnelUnit    *int   `yaml:"tun_unit" toml:"tun_unit"`
		TunnelAddress string `yaml:"tun_address" toml:"tun_address"`
		TunnelPeer    string `yaml:"tun_peer" toml:"tun_peer"`
	} `yaml:"ssh" toml:"ssh"`

	Lifecycle struct {
		TeardownTimeout Duration   `yaml:"teardown_timeout" toml:"teardown_timeout"`
		LossGrace       Duration   `yaml:"loss_grace" toml:"loss_grace"`
		RetryPolicy     string     `yaml:"retry_policy" toml:"retry_policy"`
		RetrySchedule   []Duration `yaml:"retry_schedule" toml:"retry_schedule"`
		RetryInitial    Duration   `yaml:"retry_initial" toml:"retry_initial"`
		RetryMax        Duration   `yaml:"retry_max" toml:"retry_max"`
	} `yaml:"lifecycle" toml:"lifecycle"`

	Network struct {
		Interface    string   `yaml:"interface" toml:"interface"`
		PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	} `yaml:"network" toml:"network"`

	Output struct {
		Verbose *int   `yaml:"verbose" toml:"verbose"`
		Journal string `yaml:"journal" toml:"journal"`
		Metrics string `yaml:"metrics" toml:"metrics"`
	} `yaml:"output" toml:"output"`
}

// Duration is a time.Duration that decodes from "5s"-style strings in
// both YAML and TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by toml).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// LoadFile reads path and overlays its settings onto cfg.  The format
// is chosen by extension: .yaml/.yml or .toml.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q (want .yaml, .yml or .toml)", path, ext)
	}

	f.apply(cfg)
	return nil
}

func (f *File) apply(cfg *Config) {
	if f.Gateway.Address != "" {
		cfg.GatewaySpec = f.Gateway.Address
	}
	setString(&cfg.Engine, f.Gateway.Engine)
	setString(&cfg.Transport, f.Gateway.Transport)
	setBool(&cfg.NoDNS, f.Gateway.NoDNS)
	setDuration(&cfg.ConnTimeout, f.Gateway.ConnTimeout)

	setString(&cfg.StaticKeyPath, f.Noise.StaticKey)
	setString(&cfg.GatewayKey, f.Noise.GatewayKey)
	setString(&cfg.PSKFile, f.Noise.PSKFile)

	setString(&cfg.SSHKeyPath, f.SSH.Key)
	setBool(&cfg.UseSSHAgent, f.SSH.Agent)
	setBool(&cfg.StrictHostKey, f.SSH.StrictHostKey)
	setString(&cfg.KnownHostsPath, f.SSH.KnownHosts)
	if f.SSH.TunnelUnit != nil {
		cfg.TunnelUnit = *f.SSH.TunnelUnit
	}
	setString(&cfg.TunnelAddress, f.SSH.TunnelAddress)
	setString(&cfg.TunnelPeer, f.SSH.TunnelPeer)

	setDuration(&cfg.TeardownTimeout, f.Lifecycle.TeardownTimeout)
	setDuration(&cfg.LossGrace, f.Lifecycle.LossGrace)
	setString(&cfg.RetryPolicy, f.Lifecycle.RetryPolicy)
	if len(f.Lifecycle.RetrySchedule) > 0 {
		cfg.RetrySchedule = make([]time.Duration, len(f.Lifecycle.RetrySchedule))
		for i, d := range f.Lifecycle.RetrySchedule {
			cfg.RetrySchedule[i] = time.Duration(d)
		}
	}
	setDuration(&cfg.RetryInitial, f.Lifecycle.RetryInitial)
	setDuration(&cfg.RetryMax, f.Lifecycle.RetryMax)

	setString(&cfg.Interface, f.Network.Interface)
	setDuration(&cfg.PollInterval, f.Network.PollInterval)

	if f.Output.Verbose != nil {
		cfg.Verbose = *f.Output.Verbose
	}
	setString(&cfg.JournalPath, f.Output.Journal)
	setString(&cfg.MetricsAddr, f.Output.Metrics)
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the GWLINK_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings or plain seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("GWLINK_GATEWAY"); v != "" {
		cfg.GatewaySpec = v
	}
	if v := os.Getenv("GWLINK_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("GWLINK_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if envBool("GWLINK_NO_DNS") {
		cfg.NoDNS = true
	}
	if err := envDuration("GWLINK_TIMEOUT", &cfg.ConnTimeout); err != nil {
		return err
	}

	// Noise
	if v := os.Getenv("GWLINK_STATIC_KEY"); v != "" {
		cfg.StaticKeyPath = v
	}
	if v := os.Getenv("GWLINK_GATEWAY_KEY"); v != "" {
		cfg.GatewayKey = v
	}
	if v := os.Getenv("GWLINK_PSK_FILE"); v != "" {
		cfg.PSKFile = v
	}

	// SSH
	if v := os.Getenv("GWLINK_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("GWLINK_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("GWLINK_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("GWLINK_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("GWLINK_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Lifecycle
	if err := envDuration("GWLINK_TEARDOWN_TIMEOUT", &cfg.TeardownTimeout); err != nil {
		return err
	}
	if err := envDuration("GWLINK_LOSS_GRACE", &cfg.LossGrace); err != nil {
		return err
	}
	if v := os.Getenv("GWLINK_RETRY_POLICY"); v != "" {
		cfg.RetryPolicy = v
	}
	if v := os.Getenv("GWLINK_RETRY_SCHEDULE"); v != "" {
		s, err := ParseSchedule(v)
		if err != nil {
			return fmt.Errorf("GWLINK_RETRY_SCHEDULE: %w", err)
		}
		cfg.RetrySchedule = s
	}

	// Underlying network
	if v := os.Getenv("GWLINK_INTERFACE"); v != "" {
		cfg.Interface = v
	}

	// Output
	if v := envInt("GWLINK_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("GWLINK_JOURNAL"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("GWLINK_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if sec, err := strconv.Atoi(v); err == nil {
		*dst = secondsDuration(sec)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
