package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all configurable parameters for the executor and the
// simulated ledger node.
type Config struct {
	RPC      RPCConfig      `json:"rpc"`
	Network  NetworkConfig  `json:"network"`
	Executor ExecutorConfig `json:"executor"`
	Cache    CacheConfig    `json:"cache"`
	Keystore KeystoreConfig `json:"keystore"`
	HTTP     HTTPConfig     `json:"http"`
	Log      LogConfig      `json:"log"`
}

// RPCConfig locates the ledger node.
type RPCConfig struct {
	URL            string `json:"url"`
	TimeoutMs      int    `json:"timeout_ms"`
	PollIntervalMs int    `json:"poll_interval_ms"`
}

func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c RPCConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// NetworkConfig holds network-level configuration for HTTP clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms"` // Maximum delay in milliseconds
	// MaxConnsPerHost bounds open connections to the node; 0 means no limit.
	MaxConnsPerHost int `json:"max_conns_per_host"`
}

// ExecutorConfig mirrors the executor options. Zero values take the
// executor's defaults.
type ExecutorConfig struct {
	Mode                   string   `json:"mode"` // "parallel" or "serial"
	CoinBatchSize          int      `json:"coin_batch_size"`
	InitialCoinBalance     uint64   `json:"initial_coin_balance"`
	MinimumCoinBalance     uint64   `json:"minimum_coin_balance"`
	DefaultGasBudget       uint64   `json:"default_gas_budget"`
	EpochBoundaryWindowMs  int      `json:"epoch_boundary_window_ms"`
	MaxPoolSize            int      `json:"max_pool_size"`
	SourceCoins            []string `json:"source_coins"`
	GasUsage               string   `json:"gas_usage"` // "net" or "legacy"
	FailureSettleTimeoutMs int      `json:"failure_settle_timeout_ms"`
}

// CacheConfig selects the object cache backend.
type CacheConfig struct {
	Backend  string `json:"backend"` // "memory" or "leveldb"
	Path     string `json:"path"`
	MaxBytes int    `json:"max_bytes"`
}

type KeystoreConfig struct {
	Path string `json:"path"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

type LogConfig struct {
	Level string `json:"level"`
}

const (
	ModeParallel = "parallel"
	ModeSerial   = "serial"

	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			URL:            "http://127.0.0.1:9000",
			TimeoutMs:      30_000,
			PollIntervalMs: 200,
		},
		Executor: ExecutorConfig{Mode: ModeParallel, GasUsage: "net"},
		Cache:    CacheConfig{Backend: BackendMemory},
		Keystore: KeystoreConfig{Path: "keystore/signer.key"},
		HTTP:     HTTPConfig{Port: 8080},
		Log:      LogConfig{Level: "info"},
	}
}

// Validate rejects settings the binaries cannot act on.
func (c *Config) Validate() error {
	switch c.Executor.Mode {
	case ModeParallel, ModeSerial:
	default:
		return fmt.Errorf("unknown executor mode %q", c.Executor.Mode)
	}
	switch c.Executor.GasUsage {
	case "", "net", "legacy":
	default:
		return fmt.Errorf("unknown gas usage formula %q", c.Executor.GasUsage)
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache backend %q requires a path", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Network.DelayEnabled && c.Network.MaxDelayMs < c.Network.MinDelayMs {
		return fmt.Errorf("network max delay %dms below min delay %dms", c.Network.MaxDelayMs, c.Network.MinDelayMs)
	}
	return nil
}

// Load reads and parses a config file on top of the defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads the default config from config/config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}
