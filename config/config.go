// Package config provides YAML configuration file support for netsock tools.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/netsock/socket"
)

// Config is the root configuration structure.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Sockets SocketsConfig `yaml:"sockets"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// SocketsConfig contains defaults applied to every socket.
type SocketsConfig struct {
	TimeoutMs             int  `yaml:"timeout_ms"` // SO_TIMEOUT; 0 waits forever
	ListenBacklog         int  `yaml:"listen_backlog"`
	NativeDatagramConnect bool `yaml:"native_datagram_connect"`
	LeakDetection         bool `yaml:"leak_detection"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Sockets: SocketsConfig{
			ListenBacklog:         socket.DefaultBacklog,
			NativeDatagramConnect: true,
			LeakDetection:         true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads a YAML config file. Keys missing from the file keep their
// Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Sockets.TimeoutMs < 0 {
		return fmt.Errorf("sockets.timeout_ms must be non-negative")
	}
	if c.Sockets.ListenBacklog < 0 {
		return fmt.Errorf("sockets.listen_backlog must be non-negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ListenAddr == "" {
			return fmt.Errorf("metrics.listen_addr required when metrics.enabled is true")
		}
		if _, err := netip.ParseAddrPort(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics.listen_addr: %w", err)
		}
	}

	return nil
}

// Timeout returns the configured SO_TIMEOUT default.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Sockets.TimeoutMs) * time.Millisecond
}

// SocketConfig builds the socket.Config threaded through every controller.
// A nil rec disables recording.
func (c *Config) SocketConfig(log *zap.Logger, rec socket.Recorder) socket.Config {
	return socket.Config{
		Logger:                log,
		Recorder:              rec,
		DefaultTimeout:        c.Timeout(),
		ListenBacklog:         c.Sockets.ListenBacklog,
		NativeConnectDisabled: !c.Sockets.NativeDatagramConnect,
	}
}

// NewLogger builds the zap logger described by the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	var zc zap.Config
	if strings.EqualFold(c.Logging.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
