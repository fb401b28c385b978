package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/netsock/socket"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestParse_OverDefaults(t *testing.T) {
	data := []byte(`
logging:
  level: debug
sockets:
  timeout_ms: 1500
  native_datagram_connect: false
metrics:
  enabled: true
  listen_addr: "127.0.0.1:9100"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := Default()
	want.Logging.Level = "debug"
	want.Sockets.TimeoutMs = 1500
	want.Sockets.NativeDatagramConnect = false
	want.Metrics = MetricsConfig{Enabled: true, ListenAddr: "127.0.0.1:9100"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative timeout", func(c *Config) { c.Sockets.TimeoutMs = -1 }, "timeout_ms"},
		{"negative backlog", func(c *Config) { c.Sockets.ListenBacklog = -5 }, "listen_backlog"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = ""
		}, "listen_addr required"},
		{"metrics bad addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = "localhost"
		}, "metrics.listen_addr"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsock.yaml")
	if err := os.WriteFile(path, []byte("sockets:\n  listen_backlog: 128\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sockets.ListenBacklog != 128 {
		t.Errorf("listen_backlog = %d", cfg.Sockets.ListenBacklog)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
	if err := os.WriteFile(path, []byte("sockets: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("Load of bad YAML = %v", err)
	}
}

func TestSocketConfig(t *testing.T) {
	cfg := Default()
	cfg.Sockets.TimeoutMs = 250
	cfg.Sockets.NativeDatagramConnect = false

	sc := cfg.SocketConfig(nil, nil)
	if sc.DefaultTimeout != 250*time.Millisecond {
		t.Errorf("timeout = %v", sc.DefaultTimeout)
	}
	if !sc.NativeConnectDisabled {
		t.Error("native connect not disabled")
	}
	if sc.ListenBacklog != socket.DefaultBacklog {
		t.Errorf("backlog = %d", sc.ListenBacklog)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := Default()
		cfg.Logging.Format = format
		cfg.Logging.Level = "warn"

		log, err := cfg.NewLogger()
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if log.Core().Enabled(-1) {
			t.Errorf("%s: debug enabled at warn level", format)
		}
		_ = log.Sync()
	}
}
