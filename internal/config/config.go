// Package config holds the daemon configuration, loaded from a YAML file in
// the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/internal/keyagg"
	"github.com/klingon-exchange/threshmast/internal/mast"
	"github.com/klingon-exchange/threshmast/internal/output"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the daemon.
type Config struct {
	// Network is the Bitcoin network addresses are encoded for.
	Network string `yaml:"network"`

	RPC     RPCConfig     `yaml:"rpc"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Mast    MastConfig    `yaml:"mast"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8383".
	Addr string `yaml:"addr"`

	// Enabled turns the RPC server on.
	Enabled bool `yaml:"enabled"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// MastConfig holds commitment defaults.
type MastConfig struct {
	// Ceiling refuses C(N, M) above this before any work is done.
	Ceiling uint64 `yaml:"ceiling"`

	// MaxLeaves prunes commitments to their first MaxLeaves subsets.
	// Zero means no pruning.
	MaxLeaves uint64 `yaml:"max_leaves"`

	// Workers bounds parallel key aggregation. Zero uses all CPUs.
	Workers int `yaml:"workers"`

	// CacheSize is the number of aggregated keys kept in memory.
	CacheSize int `yaml:"cache_size"`

	// InternalKey is "aggregate" or "nums".
	InternalKey string `yaml:"internal_key"`

	// GroupSize, when above 1, commits quorums of whole groups only.
	GroupSize int `yaml:"group_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: string(output.Mainnet),
		RPC: RPCConfig{
			Addr:    "127.0.0.1:8383",
			Enabled: true,
		},
		Storage: StorageConfig{
			DataDir: "~/.threshmast",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Mast: MastConfig{
			Ceiling:     combination.DefaultCeiling,
			MaxLeaves:   0,
			Workers:     0,
			CacheSize:   keyagg.DefaultCacheSize,
			InternalKey: string(mast.InternalKeyAggregate),
			GroupSize:   0,
		},
	}
}

// Validate checks the values that would otherwise fail deep inside a
// request.
func (c *Config) Validate() error {
	if _, err := output.ParseNetwork(c.Network); err != nil {
		return err
	}
	if _, err := mast.ParseInternalKeyMode(c.Mast.InternalKey); err != nil {
		return err
	}
	if c.Mast.Workers < 0 {
		return fmt.Errorf("mast.workers cannot be negative: %d", c.Mast.Workers)
	}
	if c.Mast.CacheSize < 0 {
		return fmt.Errorf("mast.cache_size cannot be negative: %d", c.Mast.CacheSize)
	}
	if c.Mast.GroupSize < 0 {
		return fmt.Errorf("mast.group_size cannot be negative: %d", c.Mast.GroupSize)
	}
	if c.Mast.Ceiling > 0 && c.Mast.MaxLeaves > c.Mast.Ceiling {
		return fmt.Errorf("mast.max_leaves %d exceeds mast.ceiling %d", c.Mast.MaxLeaves, c.Mast.Ceiling)
	}
	return nil
}

// NetworkType returns the parsed network.
func (c *Config) NetworkType() output.Network {
	net, err := output.ParseNetwork(c.Network)
	if err != nil {
		return output.Mainnet
	}
	return net
}

// Budget returns the default commitment budget.
func (c *Config) Budget() mast.Budget {
	return mast.Budget{
		MaxLeaves: c.Mast.MaxLeaves,
		Ceiling:   c.Mast.Ceiling,
	}
}

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# threshmast daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
