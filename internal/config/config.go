// Package config defines the join and host configuration structs, their
// defaults, and optional YAML file loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JoinConfig configures the client/circuit-builder side.
type JoinConfig struct {
	// Listen is the local SOCKSv5 TCP listen address. The UDP listener
	// binds the same host one port higher.
	Listen string `yaml:"listen"`
	// Hops is the ordered list of relay addresses, near to far.
	Hops []string `yaml:"hops"`
	// LogLevel and LogFormat control internal/logging.NewLogger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// MetricsAddr, when non-empty, serves /metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultJoinConfig returns a JoinConfig with spec-mandated defaults.
func DefaultJoinConfig() JoinConfig {
	return JoinConfig{
		Listen:    "127.0.0.1:1080",
		LogLevel:  envOr("WIRESKIP_LOG_LEVEL", "info"),
		LogFormat: envOr("WIRESKIP_LOG_FORMAT", "text"),
	}
}

// WithListen sets the local SOCKSv5 listen address.
func (c JoinConfig) WithListen(addr string) JoinConfig {
	c.Listen = addr
	return c
}

// WithHops sets the ordered relay address list.
func (c JoinConfig) WithHops(hops []string) JoinConfig {
	c.Hops = hops
	return c
}

// WithLogging sets the log level and format.
func (c JoinConfig) WithLogging(level, format string) JoinConfig {
	c.LogLevel = level
	c.LogFormat = format
	return c
}

// WithMetricsAddr sets the debug metrics listener address.
func (c JoinConfig) WithMetricsAddr(addr string) JoinConfig {
	c.MetricsAddr = addr
	return c
}

// Validate checks the minimal requirement that a circuit needs at least
// one hop and a listen address.
func (c JoinConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: join.listen is required")
	}
	if len(c.Hops) == 0 {
		return fmt.Errorf("config: join requires at least one hop")
	}
	return nil
}

// HostConfig configures a relay side.
type HostConfig struct {
	// Listen is the address the relay's HTTP/2 (h2c) server binds.
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// MetricsAddr, when non-empty, serves /metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
	// AllowedEgress, when non-empty, restricts TCP CONNECT/UDP targets to
	// these host:port or host suffixes. Empty means unrestricted, matching
	// the source's behavior of trusting the caller.
	AllowedEgress []string `yaml:"allowed_egress"`
}

// DefaultHostConfig returns a HostConfig with spec-mandated defaults.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		LogLevel:  envOr("WIRESKIP_LOG_LEVEL", "info"),
		LogFormat: envOr("WIRESKIP_LOG_FORMAT", "text"),
	}
}

// WithListen sets the relay's listen address.
func (c HostConfig) WithListen(addr string) HostConfig {
	c.Listen = addr
	return c
}

// WithLogging sets the log level and format.
func (c HostConfig) WithLogging(level, format string) HostConfig {
	c.LogLevel = level
	c.LogFormat = format
	return c
}

// WithMetricsAddr sets the debug metrics listener address.
func (c HostConfig) WithMetricsAddr(addr string) HostConfig {
	c.MetricsAddr = addr
	return c
}

// WithAllowedEgress sets the egress allow-list.
func (c HostConfig) WithAllowedEgress(allowed []string) HostConfig {
	c.AllowedEgress = allowed
	return c
}

// Validate checks that a listen address was configured.
func (c HostConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: host.listen is required")
	}
	return nil
}

// LoadJoinConfig reads a YAML file into a JoinConfig seeded with defaults,
// so a partial file only overrides what it mentions.
func LoadJoinConfig(path string) (JoinConfig, error) {
	cfg := DefaultJoinConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read join config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse join config: %w", err)
	}
	return cfg, nil
}

// LoadHostConfig reads a YAML file into a HostConfig seeded with defaults.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read host config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse host config: %w", err)
	}
	return cfg, nil
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
