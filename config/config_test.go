package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "address: 127.0.0.1:19200\nmax_connections: 8\nmotd: Test Server\nblocked_addresses:\n  - 10.0.0.1\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Address != "127.0.0.1:19200" || cfg.MaxConnections != 8 || cfg.Motd != "Test Server" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if len(cfg.BlockedAddresses) != 1 || cfg.BlockedAddresses[0] != "10.0.0.1" {
		t.Errorf("BlockedAddresses = %v", cfg.BlockedAddresses)
	}
	def := DefaultConfig()
	if cfg.TickIntervalMs != def.TickIntervalMs || cfg.UnconnectedBurst != def.UnconnectedBurst || cfg.GameVersion != def.GameVersion {
		t.Errorf("missing keys lost their defaults: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("max_connections: [1, 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("malformed yaml accepted")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("tick_interval_ms: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(invalid); err == nil || !strings.Contains(err.Error(), "tick_interval_ms") {
		t.Errorf("LoadConfig = %v, want a tick_interval_ms error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty address", func(c *Config) { c.Address = "" }, "address"},
		{"zero tick", func(c *Config) { c.TickIntervalMs = 0 }, "tick_interval_ms"},
		{"timeout below tick", func(c *Config) { c.TimeoutMs = 5 }, "timeout_ms"},
		{"no input queue", func(c *Config) { c.InputQueueSize = 0 }, "input_queue_size"},
		{"no send queue", func(c *Config) { c.SendQueueSize = -1 }, "send_queue_size"},
		{"small receive buffer", func(c *Config) { c.ReceiveBufferSize = 512 }, "receive_buffer_size"},
		{"negative pool", func(c *Config) { c.PayloadPoolSize = -1 }, "payload_pool_size"},
		{"negative rate", func(c *Config) { c.UnconnectedRate = -1 }, "unconnected_rate"},
		{"rate without burst", func(c *Config) { c.UnconnectedBurst = 0 }, "unconnected_burst"},
		{"unlimited rate without burst", func(c *Config) { c.UnconnectedRate, c.UnconnectedBurst = 0, 0 }, ""},
		{"unlimited connections", func(c *Config) { c.MaxConnections = -1 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want an error mentioning %q", err, tt.want)
			}
		})
	}
}
