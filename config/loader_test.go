package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Gateway(t *testing.T) {
	t.Setenv("GWLINK_GATEWAY", "vpn@gw.example.com:2222")
	t.Setenv("GWLINK_ENGINE", "ssh")
	cfg := Default()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.GatewaySpec != "vpn@gw.example.com:2222" {
		t.Errorf("GatewaySpec = %q", cfg.GatewaySpec)
	}
	if cfg.Engine != EngineSSH {
		t.Errorf("Engine = %q", cfg.Engine)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		key    string
		values []string
		get    func(*Config) bool
	}{
		{"GWLINK_NO_DNS", []string{"1", "true", "yes", "TRUE", "Yes"}, func(c *Config) bool { return c.NoDNS }},
		{"GWLINK_SSH_AGENT", []string{"1", "true"}, func(c *Config) bool { return c.UseSSHAgent }},
		{"GWLINK_STRICT_HOSTKEY", []string{"true"}, func(c *Config) bool { return c.StrictHostKey }},
		{"GWLINK_SSH_PASSWORD", []string{"1"}, func(c *Config) bool { return c.SSHPassword }},
	}

	for _, tt := range tests {
		for _, v := range tt.values {
			t.Run(tt.key+"="+v, func(t *testing.T) {
				t.Setenv(tt.key, v)
				cfg := &Config{}
				if err := LoadFromEnv(cfg); err != nil {
					t.Fatal(err)
				}
				if !tt.get(cfg) {
					t.Errorf("%s=%s should set the field", tt.key, v)
				}
			})
		}
	}
}

func TestLoadFromEnv_FalseBooleans(t *testing.T) {
	for _, v := range []string{"0", "false", "no", "nope"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("GWLINK_NO_DNS", v)
			cfg := &Config{}
			if err := LoadFromEnv(cfg); err != nil {
				t.Fatal(err)
			}
			if cfg.NoDNS {
				t.Errorf("GWLINK_NO_DNS=%s should not enable NoDNS", v)
			}
		})
	}
}

func TestLoadFromEnv_Durations(t *testing.T) {
	t.Setenv("GWLINK_TIMEOUT", "45")
	t.Setenv("GWLINK_TEARDOWN_TIMEOUT", "750ms")
	t.Setenv("GWLINK_LOSS_GRACE", "1m")
	cfg := Default()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ConnTimeout != 45*time.Second {
		t.Errorf("ConnTimeout = %v", cfg.ConnTimeout)
	}
	if cfg.TeardownTimeout != 750*time.Millisecond {
		t.Errorf("TeardownTimeout = %v", cfg.TeardownTimeout)
	}
	if cfg.LossGrace != time.Minute {
		t.Errorf("LossGrace = %v", cfg.LossGrace)
	}
}

func TestLoadFromEnv_BadDuration(t *testing.T) {
	t.Setenv("GWLINK_LOSS_GRACE", "a while")
	if err := LoadFromEnv(Default()); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestLoadFromEnv_RetrySchedule(t *testing.T) {
	t.Setenv("GWLINK_RETRY_SCHEDULE", "2s,4s,8s")
	cfg := Default()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.RetrySchedule) != 3 || cfg.RetrySchedule[2] != 8*time.Second {
		t.Errorf("RetrySchedule = %v", cfg.RetrySchedule)
	}
}

func TestLoadFromEnv_Verbose(t *testing.T) {
	t.Setenv("GWLINK_VERBOSE", "3")
	cfg := &Config{}
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3", cfg.Verbose)
	}
}

func TestLoadFromEnv_InvalidInt(t *testing.T) {
	t.Setenv("GWLINK_VERBOSE", "not-a-number")
	cfg := &Config{Verbose: 1}
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Verbose != 1 {
		t.Errorf("Verbose = %d, want 1 (unchanged)", cfg.Verbose)
	}
}

func TestLoadFromEnv_EmptyDoesNotOverride(t *testing.T) {
	os.Unsetenv("GWLINK_GATEWAY")
	os.Unsetenv("GWLINK_ENGINE")

	cfg := &Config{GatewaySpec: "original", Engine: EngineSSH}
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.GatewaySpec != "original" || cfg.Engine != EngineSSH {
		t.Errorf("empty env should not override: %q %q", cfg.GatewaySpec, cfg.Engine)
	}
}

// ── LoadFile ─────────────────────────────────────────────────────────

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFile_YAML(t *testing.T) {
	p := writeFile(t, "gwlink.yaml", `
gateway:
  address: gw.example.com:4500
  engine: noise
  transport: tcp
  timeout: 10s
noise:
  static_key: /etc/gwlink/static.key
  gateway_key: 3q2+7w==
lifecycle:
  teardown_timeout: 2s
  loss_grace: 45s
  retry_schedule: [1s, 3s, 9s]
network:
  interface: wlan0
  poll_interval: 500ms
output:
  verbose: 2
  journal: /var/log/gwlink.cbor
`)
	cfg := Default()
	if err := LoadFile(p, cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.GatewaySpec != "gw.example.com:4500" || cfg.Transport != "tcp" {
		t.Errorf("gateway section: %q %q", cfg.GatewaySpec, cfg.Transport)
	}
	if cfg.ConnTimeout != 10*time.Second {
		t.Errorf("ConnTimeout = %v", cfg.ConnTimeout)
	}
	if cfg.StaticKeyPath != "/etc/gwlink/static.key" || cfg.GatewayKey != "3q2+7w==" {
		t.Errorf("noise section: %q %q", cfg.StaticKeyPath, cfg.GatewayKey)
	}
	if cfg.TeardownTimeout != 2*time.Second || cfg.LossGrace != 45*time.Second {
		t.Errorf("timers: %v %v", cfg.TeardownTimeout, cfg.LossGrace)
	}
	if len(cfg.RetrySchedule) != 3 || cfg.RetrySchedule[1] != 3*time.Second {
		t.Errorf("RetrySchedule = %v", cfg.RetrySchedule)
	}
	if cfg.Interface != "wlan0" || cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("network: %q %v", cfg.Interface, cfg.PollInterval)
	}
	if cfg.Verbose != 2 || cfg.JournalPath != "/var/log/gwlink.cbor" {
		t.Errorf("output: %d %q", cfg.Verbose, cfg.JournalPath)
	}
	// untouched keys keep their defaults
	if cfg.RetryPolicy != PolicySchedule {
		t.Errorf("RetryPolicy = %q", cfg.RetryPolicy)
	}
}

func TestLoadFile_TOML(t *testing.T) {
	p := writeFile(t, "gwlink.toml", `
[gateway]
address = "tunnel@gw.example.com"
engine = "ssh"

[ssh]
key = "~/.ssh/id_ed25519"
agent = true
strict_host_key = true
tun_unit = 3
tun_address = "10.99.0.2/30"
tun_peer = "10.99.0.1"

[lifecycle]
retry_policy = "exponential"
retry_initial = "500ms"
retry_max = "2m"
`)
	cfg := Default()
	if err := LoadFile(p, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Engine != EngineSSH || cfg.GatewaySpec != "tunnel@gw.example.com" {
		t.Errorf("gateway: %q %q", cfg.Engine, cfg.GatewaySpec)
	}
	if !cfg.UseSSHAgent || !cfg.StrictHostKey || cfg.TunnelUnit != 3 {
		t.Errorf("ssh: agent=%v strict=%v unit=%d", cfg.UseSSHAgent, cfg.StrictHostKey, cfg.TunnelUnit)
	}
	if cfg.TunnelAddress != "10.99.0.2/30" || cfg.TunnelPeer != "10.99.0.1" {
		t.Errorf("tun addresses: %q %q", cfg.TunnelAddress, cfg.TunnelPeer)
	}
	if cfg.RetryPolicy != PolicyExponential || cfg.RetryInitial != 500*time.Millisecond || cfg.RetryMax != 2*time.Minute {
		t.Errorf("retry: %q %v %v", cfg.RetryPolicy, cfg.RetryInitial, cfg.RetryMax)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown yaml key", "c.yaml", "gateway:\n  adress: x\n"},
		{"unknown toml key", "c.toml", "[gateway]\nadress = \"x\"\n"},
		{"bad duration", "c.yml", "lifecycle:\n  loss_grace: forever\n"},
		{"unsupported ext", "c.json", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, tt.file, tt.body)
			if err := LoadFile(p, Default()); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Default()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFile_EmptyYAML(t *testing.T) {
	p := writeFile(t, "empty.yaml", "")
	cfg := Default()
	if err := LoadFile(p, cfg); err != nil {
		t.Fatalf("empty file should be accepted: %v", err)
	}
	if cfg.LossGrace != DefaultLossGrace {
		t.Errorf("LossGrace = %v, want default", cfg.LossGrace)
	}
}

func TestPrecedence_EnvOverFile(t *testing.T) {
	p := writeFile(t, "p.yaml", "lifecycle:\n  loss_grace: 10s\n  teardown_timeout: 3s\n")
	t.Setenv("GWLINK_LOSS_GRACE", "20s")

	cfg := Default()
	if err := LoadFile(p, cfg); err != nil {
		t.Fatal(err)
	}
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.LossGrace != 20*time.Second {
		t.Errorf("env should win over file: LossGrace = %v", cfg.LossGrace)
	}
	if cfg.TeardownTimeout != 3*time.Second {
		t.Errorf("file should win over default: TeardownTimeout = %v", cfg.TeardownTimeout)
	}
}
