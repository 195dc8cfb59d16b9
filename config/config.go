package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a server.
type Config struct {
	Address              string   `yaml:"address"`                // UDP address to bind
	MaxConnections       int      `yaml:"max_connections"`        // negative means unlimited
	TickIntervalMs       int      `yaml:"tick_interval_ms"`       // connection maintenance period
	TimeoutMs            int      `yaml:"timeout_ms"`             // idle time before a connection is dropped
	InputQueueSize       int      `yaml:"input_queue_size"`       // datagrams buffered per connection
	SendQueueSize        int      `yaml:"send_queue_size"`        // datagrams buffered for the socket writer
	ReceiveBufferSize    int      `yaml:"receive_buffer_size"`    // bytes per receive buffer
	PayloadPoolSize      int      `yaml:"payload_pool_size"`      // number of pooled receive buffers
	PoolDebug            bool     `yaml:"pool_debug"`             // ring pool debug setting
	ProcessTimeThreshold int      `yaml:"process_time_threshold"` // ms a pooled buffer may be held before ring pool debug complains
	UnconnectedRate      float64  `yaml:"unconnected_rate"`       // unconnected packets per second per IP, 0 disables the limit
	UnconnectedBurst     int      `yaml:"unconnected_burst"`      // token bucket size for the limit above
	InlineProcessing     bool     `yaml:"inline_processing"`      // handle datagrams on the read goroutine
	Debug                bool     `yaml:"debug"`                  // development logger
	Motd                 string   `yaml:"motd"`                   // advertised server name
	SubMotd              string   `yaml:"sub_motd"`               // advertised world name
	GameMode             string   `yaml:"game_mode"`              // advertised game mode
	GameProtocol         int      `yaml:"game_protocol"`          // advertised game protocol number
	GameVersion          string   `yaml:"game_version"`           // advertised game version
	BlockedAddresses     []string `yaml:"blocked_addresses"`      // IPs refused permanently
}

func DefaultConfig() *Config {
	return &Config{
		Address:              "0.0.0.0:19132",
		MaxConnections:       1024,
		TickIntervalMs:       10,
		TimeoutMs:            10000,
		InputQueueSize:       256,
		SendQueueSize:        4096,
		ReceiveBufferSize:    2048,
		PayloadPoolSize:      2000,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		UnconnectedRate:      50,
		UnconnectedBurst:     100,
		InlineProcessing:     false,
		Debug:                false,
		Motd:                 "A Go Server",
		SubMotd:              "world",
		GameMode:             "Survival",
		GameProtocol:         419,
		GameVersion:          "1.16.100",
	}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the
// file keep their default value.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Address == "":
		return errors.New("address is empty")
	case c.TickIntervalMs <= 0:
		return errors.Errorf("tick_interval_ms must be positive, got %d", c.TickIntervalMs)
	case c.TimeoutMs <= c.TickIntervalMs:
		return errors.Errorf("timeout_ms (%d) must exceed tick_interval_ms (%d)", c.TimeoutMs, c.TickIntervalMs)
	case c.InputQueueSize <= 0:
		return errors.Errorf("input_queue_size must be positive, got %d", c.InputQueueSize)
	case c.SendQueueSize <= 0:
		return errors.Errorf("send_queue_size must be positive, got %d", c.SendQueueSize)
	case c.ReceiveBufferSize < 1500:
		return errors.Errorf("receive_buffer_size must be at least 1500, got %d", c.ReceiveBufferSize)
	case c.PayloadPoolSize < 0:
		return errors.Errorf("payload_pool_size must not be negative, got %d", c.PayloadPoolSize)
	case c.UnconnectedRate < 0:
		return errors.Errorf("unconnected_rate must not be negative, got %v", c.UnconnectedRate)
	case c.UnconnectedRate > 0 && c.UnconnectedBurst <= 0:
		return errors.Errorf("unconnected_burst must be positive when a rate is set, got %d", c.UnconnectedBurst)
	}
	return nil
}
