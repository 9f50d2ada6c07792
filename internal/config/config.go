// Package config loads the YAML-backed runtime configuration shared by
// the cmd/emc-hostd and cmd/emc-userd entry points, adapted from the
// teacher codebase's load-then-validate config pattern.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emcnet/emc-core/internal/transport"
)

// Config carries every tunable named in the component design's
// configuration table, plus the ambient fields (logging, listen address,
// rate limit, housekeeping schedule) a real deployment needs.
type Config struct {
	Gateway      GatewayTuning `yaml:"gateway"`
	Mapper       MapperTuning  `yaml:"mapper"`
	Listen       ListenInfo    `yaml:"listen"`
	Logging      LoggingInfo   `yaml:"logging"`
	Housekeeping HousekeepingInfo `yaml:"housekeeping"`
}

// GatewayTuning mirrors original_source/config.in.h's message_* and
// mtu/queue constants.
type GatewayTuning struct {
	MTU            int     `yaml:"mtu_size"`
	QueueSizeMin   int     `yaml:"queue_size_min"`
	QueueSizeMax   int     `yaml:"queue_size_max"`
	MessageWait    float32 `yaml:"message_wait_time"`
	MessageDrop    float32 `yaml:"message_drop_time"`
	MessagePing    float32 `yaml:"message_ping_time"`
	MessageTrip    float32 `yaml:"message_trip_time"`
	RateLimitBytes int64   `yaml:"rate_limit_bytes_per_sec"`
	DSCP           string  `yaml:"dscp"`
	// TransportFormat names the wire encoding a uart-style transport.Stage
	// applies to packet bodies: "none" (default), "base16", "base64",
	// "flate" or "gzip".
	TransportFormat string `yaml:"transport_format"`
}

// MapperTuning mirrors the device/stream/channel table limits.
type MapperTuning struct {
	DeviceCountMax int `yaml:"device_count_max"`
	StreamCountMax int `yaml:"stream_count_max"`
	ChidMin        int `yaml:"chid_min"`
	ChidMax        int `yaml:"chid_max"`
}

// ListenInfo configures the transport this process listens on or dials.
type ListenInfo struct {
	Network string `yaml:"network"` // "tcp", "unix"
	Address string `yaml:"address"`
}

// LoggingInfo configures the ambient logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// HousekeepingInfo configures the cron-driven maintenance job.
type HousekeepingInfo struct {
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns the documented defaults for every tunable named by
// the gateway, mapper and housekeeping components.
func DefaultConfig() Config {
	return Config{
		Gateway: GatewayTuning{
			MTU:          255,
			QueueSizeMin: 64,
			QueueSizeMax: 4096,
			MessageWait:  8,
			MessageDrop:  32,
			MessagePing:     128,
			MessageTrip:     256,
			TransportFormat: "none",
		},
		Mapper: MapperTuning{
			DeviceCountMax: 16,
			StreamCountMax: 16,
			ChidMin:        1,
			ChidMax:        127,
		},
		Logging: LoggingInfo{
			Level:  "info",
			Format: "json",
		},
		Housekeeping: HousekeepingInfo{
			Schedule: "0 * * * *",
		},
	}
}

// Load reads and validates a YAML config file, filling any unset field
// from DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Gateway.MTU <= 0 {
		return fmt.Errorf("gateway.mtu_size must be positive")
	}
	if c.Gateway.QueueSizeMax < c.Gateway.QueueSizeMin {
		return fmt.Errorf("gateway.queue_size_max must be >= queue_size_min")
	}
	if c.Gateway.MessageWait > c.Gateway.MessageDrop {
		return fmt.Errorf("gateway.message_wait_time must not exceed message_drop_time")
	}
	if c.Gateway.MessagePing <= c.Gateway.MessageWait {
		return fmt.Errorf("gateway.message_ping_time must be greater than message_wait_time")
	}
	if c.Mapper.ChidMin < 1 || c.Mapper.ChidMax > 127 || c.Mapper.ChidMin > c.Mapper.ChidMax {
		return fmt.Errorf("mapper.chid_min/chid_max must fall within [1,127]")
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = "0 * * * *"
	}
	if c.Gateway.TransportFormat == "" {
		c.Gateway.TransportFormat = "none"
	}
	if _, err := transport.ParseFormat(c.Gateway.TransportFormat); err != nil {
		return fmt.Errorf("gateway.transport_format: %w", err)
	}
	return nil
}
