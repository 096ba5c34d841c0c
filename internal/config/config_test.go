package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
servers:
  - id: rust-1
    name: Rust Main
    game: rust
    console:
      addr: 127.0.0.1:28016
      password: s3cr3t
    log_path: /var/log/rust-1.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Channel.ConsoleRing != 200 || cfg.Channel.LogRing != 500 {
		t.Errorf("rings = %d/%d, want defaults 200/500", cfg.Channel.ConsoleRing, cfg.Channel.LogRing)
	}
	if cfg.Channel.IdleTimeout != 30*time.Second {
		t.Errorf("idle timeout = %v, want 30s", cfg.Channel.IdleTimeout)
	}
	if cfg.Channel.ConsoleRetryDelay != time.Second || cfg.Channel.LogRetryDelay != 2*time.Second {
		t.Errorf("retry delays = %v/%v, want 1s/2s", cfg.Channel.ConsoleRetryDelay, cfg.Channel.LogRetryDelay)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(cfg.Servers))
	}
	spec := cfg.Servers[0]
	if spec.ID != "rust-1" || spec.Console == nil || spec.Console.Addr != "127.0.0.1:28016" {
		t.Errorf("server spec = %+v", spec)
	}
}

func TestLoadChannelOverrides(t *testing.T) {
	path := writeConfig(t, `
channel:
  console_ring: 100
  log_ring: 1000
  idle_timeout: 10s
  console_max_attempts: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.ConsoleRing != 100 || cfg.Channel.LogRing != 1000 {
		t.Errorf("rings = %d/%d, want 100/1000", cfg.Channel.ConsoleRing, cfg.Channel.LogRing)
	}
	if cfg.Channel.IdleTimeout != 10*time.Second {
		t.Errorf("idle timeout = %v, want 10s", cfg.Channel.IdleTimeout)
	}
	if cfg.Channel.ConsoleMaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Channel.ConsoleMaxAttempts)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad port",
			content: "server:\n  port: 70000\n",
			wantErr: "invalid server port",
		},
		{
			name:    "missing server id",
			content: "servers:\n  - name: nameless\n",
			wantErr: "missing id",
		},
		{
			name:    "duplicate id",
			content: "servers:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate server id",
		},
		{
			name:    "console without addr",
			content: "servers:\n  - id: a\n    console:\n      password: x\n",
			wantErr: "console missing addr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}
