// Package config centralizes configuration for the sandbox daemon: network
// provisioning, VM launch parameters, pool sizing, and the HTTP dispatcher.
// Precedence is flag > environment variable > config file > default.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkConfig holds bridge and TAP provisioning settings.
type NetworkConfig struct {
	BridgeName   string `json:"bridge_name" yaml:"bridge_name"`     // host bridge, e.g. "fcbridge"
	Subnet       string `json:"subnet" yaml:"subnet"`               // CIDR the bridge owns, e.g. "172.16.0.0/24"
	TapPrefix    string `json:"tap_prefix" yaml:"tap_prefix"`       // candidate TAP name prefix, e.g. "fc-tap-"
	MaxTapIndex  int    `json:"max_tap_index" yaml:"max_tap_index"` // namespace ceiling for TAP index scanning
	ScanCeiling  int    `json:"scan_ceiling" yaml:"scan_ceiling"`   // max candidates examined per allocation attempt
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// LaunchConfig holds microVM boot parameters.
type LaunchConfig struct {
	HypervisorBin string        `json:"hypervisor_bin" yaml:"hypervisor_bin"`
	KernelPath    string        `json:"kernel_path" yaml:"kernel_path"`
	RootfsPath    string        `json:"rootfs_path" yaml:"rootfs_path"`
	SocketDir     string        `json:"socket_dir" yaml:"socket_dir"`
	AgentPort     int           `json:"agent_port" yaml:"agent_port"`
	MemSizeMiB    int64         `json:"mem_size_mib" yaml:"mem_size_mib"`
	CPUCount      int64         `json:"cpu_count" yaml:"cpu_count"`
	BootTimeout   time.Duration `json:"boot_timeout" yaml:"boot_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// PoolConfig holds fixed-size VM pool settings.
type PoolConfig struct {
	Size          int           `json:"size" yaml:"size"`
	BorrowTimeout time.Duration `json:"borrow_timeout" yaml:"borrow_timeout"`
}

// DispatcherConfig holds HTTP server and per-request settings.
type DispatcherConfig struct {
	APIAddr           string        `json:"api_addr" yaml:"api_addr"`
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout"`
	AgentDialGrace    time.Duration `json:"agent_dial_grace" yaml:"agent_dial_grace"`
	MaxPayloadBytes   int64         `json:"max_payload_bytes" yaml:"max_payload_bytes"`
}

// TracingConfig holds optional OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text, json
}

// ObservabilityConfig groups the ambient cross-cutting settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Network       NetworkConfig       `json:"network" yaml:"network"`
	Launch        LaunchConfig        `json:"launch" yaml:"launch"`
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Dispatcher    DispatcherConfig    `json:"dispatcher" yaml:"dispatcher"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BridgeName:   "fcbridge",
			Subnet:       "172.16.0.0/24",
			TapPrefix:    "fc-tap-",
			MaxTapIndex:  4096,
			ScanCeiling:  64,
			RetryBackoff: 150 * time.Millisecond,
		},
		Launch: LaunchConfig{
			HypervisorBin: "firecracker",
			KernelPath:    "./kernel/vmlinux",
			RootfsPath:    "./rootfs/rootfs.ext4",
			SocketDir:     "/tmp/sandboxvm/sockets",
			AgentPort:     8080,
			MemSizeMiB:    2048,
			CPUCount:      1,
			BootTimeout:   30 * time.Second,
			ShutdownGrace: 2 * time.Second,
		},
		Pool: PoolConfig{
			Size:          3,
			BorrowTimeout: 5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			APIAddr:         ":8000",
			DefaultTimeout:  30 * time.Second,
			AgentDialGrace:  5 * time.Second,
			MaxPayloadBytes: 1 << 20,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "localhost:4318",
				ServiceName: "sandboxvm",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "sandboxvm",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, keyed off its
// extension, seeded with DefaultConfig so unspecified fields keep defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config. The
// bare names mirror the original single-process deployment's API_PORT /
// AGENT_PORT / ROOTFS_PATH / KERNEL_PATH; the rest are SANDBOX_-prefixed.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.Dispatcher.APIAddr = ":" + v
	}
	if v := os.Getenv("AGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Launch.AgentPort = n
		}
	}
	if v := os.Getenv("ROOTFS_PATH"); v != "" {
		cfg.Launch.RootfsPath = v
	}
	if v := os.Getenv("KERNEL_PATH"); v != "" {
		cfg.Launch.KernelPath = v
	}

	if v := os.Getenv("SANDBOX_HYPERVISOR_BIN"); v != "" {
		cfg.Launch.HypervisorBin = v
	}
	if v := os.Getenv("SANDBOX_SOCKET_DIR"); v != "" {
		cfg.Launch.SocketDir = v
	}
	if v := os.Getenv("SANDBOX_BOOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Launch.BootTimeout = d
		}
	}
	if v := os.Getenv("SANDBOX_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Launch.ShutdownGrace = d
		}
	}
	if v := os.Getenv("SANDBOX_MEM_SIZE_MIB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Launch.MemSizeMiB = n
		}
	}
	if v := os.Getenv("SANDBOX_CPU_COUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Launch.CPUCount = n
		}
	}

	if v := os.Getenv("SANDBOX_BRIDGE_NAME"); v != "" {
		cfg.Network.BridgeName = v
	}
	if v := os.Getenv("SANDBOX_SUBNET"); v != "" {
		cfg.Network.Subnet = v
	}
	if v := os.Getenv("SANDBOX_TAP_PREFIX"); v != "" {
		cfg.Network.TapPrefix = v
	}
	if v := os.Getenv("SANDBOX_MAX_TAP_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.MaxTapIndex = n
		}
	}
	if v := os.Getenv("SANDBOX_SCAN_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.ScanCeiling = n
		}
	}
	if v := os.Getenv("SANDBOX_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.RetryBackoff = d
		}
	}

	if v := os.Getenv("SANDBOX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("SANDBOX_POOL_BORROW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pool.BorrowTimeout = d
		}
	}

	if v := os.Getenv("SANDBOX_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.DefaultTimeout = d
		}
	}
	if v := os.Getenv("SANDBOX_AGENT_DIAL_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.AgentDialGrace = d
		}
	}
	if v := os.Getenv("SANDBOX_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Dispatcher.MaxPayloadBytes = n
		}
	}

	if v := os.Getenv("SANDBOX_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("SANDBOX_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("SANDBOX_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("SANDBOX_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SANDBOX_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("SANDBOX_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("SANDBOX_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
