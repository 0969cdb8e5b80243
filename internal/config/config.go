// Package config loads the node's YAML configuration.
package config

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// Config is the top-level node configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Node      NodeConfig      `yaml:"node"`
	Seeds     []string        `yaml:"seeds,omitempty"`

	// Kernels is a static kernel index (hex commitment to fee) for
	// test networks. Production nodes wire the chain's index instead.
	Kernels   map[string]uint64 `yaml:"kernels,omitempty"`
	Telemetry TelemetryConfig   `yaml:"telemetry,omitempty"`
}

// NodeConfig holds the overlay transport settings.
type NodeConfig struct {
	// OnionAddress is the node's hidden service hostname, with or
	// without the ".onion" suffix.
	OnionAddress string `yaml:"onion_address"`

	// SocksPort is the local SOCKS5 proxy port used for dialing.
	SocksPort uint16 `yaml:"socks_port"`

	// ListenPort is the local TCP port the hidden service forwards to.
	ListenPort uint16 `yaml:"listen_port"`

	// FeeBase is the chain's base fee used to gate integrity proofs.
	FeeBase uint64 `yaml:"fee_base"`
}

// TelemetryConfig holds observability settings. Everything is
// disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Default ports when the config leaves them unset.
const (
	DefaultSocksPort     = 9050
	DefaultListenPort    = 13425
	DefaultMetricsListen = "127.0.0.1:9091"
)
