package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingOnionAddress is returned when the config does not name the
// node's hidden service.
var ErrMissingOnionAddress = errors.New("node.onion_address is required")

// ErrMissingFeeBase is returned when the config does not set a base fee.
var ErrMissingFeeBase = errors.New("node.fee_base must be positive")

// checkFilePermissions refuses config files that grant any access to
// group or other users. Seed lists reveal network topology.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // read errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads, defaults and validates a node configuration.
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentConfigVersion
	}
	if c.Node.SocksPort == 0 {
		c.Node.SocksPort = DefaultSocksPort
	}
	if c.Node.ListenPort == 0 {
		c.Node.ListenPort = DefaultListenPort
	}
	if c.Telemetry.Metrics.ListenAddress == "" {
		c.Telemetry.Metrics.ListenAddress = DefaultMetricsListen
	}
	c.Node.OnionAddress = strings.TrimSuffix(c.Node.OnionAddress, ".onion")
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Node.OnionAddress == "" {
		return ErrMissingOnionAddress
	}
	if c.Node.FeeBase == 0 {
		return ErrMissingFeeBase
	}
	if c.Version > CurrentConfigVersion {
		return fmt.Errorf("config version %d is newer than supported version %d", c.Version, CurrentConfigVersion)
	}
	return nil
}
