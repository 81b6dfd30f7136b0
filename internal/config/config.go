package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oeway/kernel-engine/internal/driver"
)

// PoolConfig holds warm-pool settings.
type PoolConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	SizePerKey  int      `json:"size_per_key" yaml:"size_per_key"`
	AutoRefill  bool     `json:"auto_refill" yaml:"auto_refill"`
	PreloadKeys []string `json:"preload_keys" yaml:"preload_keys"` // e.g. "sandboxed-python"
}

// RuntimeConfig locates the interpreter modules and the worker binary.
type RuntimeConfig struct {
	PythonModule     string `json:"python_module" yaml:"python_module"`
	JavascriptModule string `json:"javascript_module" yaml:"javascript_module"`
	WorkerBin        string `json:"worker_bin" yaml:"worker_bin"`
	// WorkDir is where interrupt-channel files and per-kernel scratch
	// directories are created.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// RedisConfig holds the optional event sink connection.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// HistoryConfig holds the optional execution-history store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// FilesystemConfig mounts a host directory into every sandboxed kernel.
type FilesystemConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	HostRoot   string `json:"host_root" yaml:"host_root"`
	GuestMount string `json:"guest_mount" yaml:"guest_mount"`
}

// Config is the central configuration struct for the kernel manager.
type Config struct {
	// AllowedKernelTypes whitelists (mode, language) pairs as
	// "mode-language" strings. Default: sandboxed for both languages.
	AllowedKernelTypes []string `json:"allowed_kernel_types" yaml:"allowed_kernel_types"`

	MaxKernels int `json:"max_kernels" yaml:"max_kernels"`

	InactivityTimeoutMs int64 `json:"inactivity_timeout_ms" yaml:"inactivity_timeout_ms"`
	MaxExecutionTimeMs  int64 `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`

	Pool       PoolConfig          `json:"pool" yaml:"pool"`
	Filesystem FilesystemConfig    `json:"filesystem" yaml:"filesystem"`
	Caps       driver.Capabilities `json:"capabilities" yaml:"capabilities"`
	Env        map[string]string   `json:"env" yaml:"env"`
	Startup    string              `json:"startup_script" yaml:"startup_script"`

	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	History HistoryConfig `json:"history" yaml:"history"`
	Daemon  DaemonConfig  `json:"daemon" yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedKernelTypes:  []string{"sandboxed-python", "sandboxed-javascript"},
		MaxKernels:          64,
		InactivityTimeoutMs: 0,
		MaxExecutionTimeMs:  0,
		Pool: PoolConfig{
			Enabled:     false,
			SizePerKey:  2,
			AutoRefill:  true,
			PreloadKeys: []string{"sandboxed-python"},
		},
		Runtime: RuntimeConfig{
			PythonModule:     "/opt/kengine/runtimes/python.wasm",
			JavascriptModule: "/opt/kengine/runtimes/javascript.wasm",
			WorkerBin:        "/opt/kengine/bin/kengine-worker",
			WorkDir:          "/tmp/kengine",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "kengine:events",
		},
		Daemon: DaemonConfig{
			MetricsAddr: "",
			LogLevel:    "info",
		},
	}
}

// InactivityTimeout returns the idle eviction interval; 0 disables.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMs) * time.Millisecond
}

// MaxExecutionTime returns the stall threshold; 0 disables.
func (c *Config) MaxExecutionTime() time.Duration {
	return time.Duration(c.MaxExecutionTimeMs) * time.Millisecond
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KENGINE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("KENGINE_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("KENGINE_OTLP_ENDPOINT"); v != "" {
		cfg.Daemon.OTLPEndpoint = v
	}
	if v := os.Getenv("KENGINE_WORKER_BIN"); v != "" {
		cfg.Runtime.WorkerBin = v
	}
	if v := os.Getenv("KENGINE_PYTHON_MODULE"); v != "" {
		cfg.Runtime.PythonModule = v
	}
	if v := os.Getenv("KENGINE_JAVASCRIPT_MODULE"); v != "" {
		cfg.Runtime.JavascriptModule = v
	}
	if v := os.Getenv("KENGINE_WORK_DIR"); v != "" {
		cfg.Runtime.WorkDir = v
	}
	if v := os.Getenv("KENGINE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KENGINE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KENGINE_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
		cfg.History.Enabled = true
	}
	if v := os.Getenv("KENGINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.SizePerKey = n
			cfg.Pool.Enabled = true
		}
	}
	if v := os.Getenv("KENGINE_INACTIVITY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.InactivityTimeoutMs = n
		}
	}
	if v := os.Getenv("KENGINE_MAX_EXECUTION_TIME_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.MaxExecutionTimeMs = n
		}
	}
}
