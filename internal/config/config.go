// Package config provides ledgerd's YAML-backed configuration: a
// load-or-create file under the node's data directory, with package-level
// tunable overrides applied at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

// Config holds all configuration for a ledgerd node.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Kademlia KademliaConfig `yaml:"kademlia"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// Address binds the keyfile to a logical identity, letting more than
	// one identity share a data directory (mainly for tests).
	Address string `yaml:"address"`
}

// NetworkConfig holds transport/overlay settings.
type NetworkConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	EnableMDNS     bool     `yaml:"enable_mdns"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds the libp2p connection manager's watermarks.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds on-disk paths.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	PeerCachePath   string `yaml:"peer_cache_path"`
	EnablePeerCache bool   `yaml:"enable_peer_cache"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// KademliaConfig overrides the overlay's tunable constants.
// Zero values mean "leave the package default alone."
type KademliaConfig struct {
	K          int           `yaml:"k"`
	Alpha      int           `yaml:"alpha"`
	Difficulty int           `yaml:"difficulty"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// LedgerConfig overrides the chain engine's tunable constants
// and carries the genesis allocation.
type LedgerConfig struct {
	Difficulty        int               `yaml:"difficulty"`
	BlockInterval     time.Duration     `yaml:"block_interval"`
	SyncInterval      time.Duration     `yaml:"sync_interval"`
	MaxPoolSize       int               `yaml:"max_pool_size"`
	GenesisAllocation map[string]uint64 `yaml:"genesis_allocation"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			Address: "default",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir:         "~/.ledgerd",
			PeerCachePath:   "peers.db",
			EnablePeerCache: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Kademlia: KademliaConfig{},
		Ledger:   LedgerConfig{},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from <dataDir>/config.yaml, creating one
// with default values on first run.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating its parent
// directory if necessary.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# ledgerd node configuration\n# Generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// ApplyOverlayTunables overrides internal/kademlia's package-level
// tunables with any non-zero values configured, so a single node can be
// tuned without recompiling.
func (c *Config) ApplyOverlayTunables() {
	if c.Kademlia.K > 0 {
		kademlia.K = c.Kademlia.K
	}
	if c.Kademlia.Alpha > 0 {
		kademlia.Alpha = c.Kademlia.Alpha
	}
	if c.Kademlia.Difficulty > 0 {
		kademlia.Difficulty = c.Kademlia.Difficulty
	}
	if c.Kademlia.RPCTimeout > 0 {
		kademlia.RPCTimeout = c.Kademlia.RPCTimeout
	}
}

// ApplyLedgerTunables overrides internal/ledger's package-level tunables.
func (c *Config) ApplyLedgerTunables() {
	if c.Ledger.Difficulty > 0 {
		ledger.Difficulty = c.Ledger.Difficulty
	}
	if c.Ledger.BlockInterval > 0 {
		ledger.BlockInterval = c.Ledger.BlockInterval
	}
	if c.Ledger.SyncInterval > 0 {
		ledger.SyncInterval = c.Ledger.SyncInterval
	}
	if c.Ledger.MaxPoolSize > 0 {
		ledger.MaxPoolSize = c.Ledger.MaxPoolSize
	}
}

// GenesisAllocation decodes the configured genesis balances, keyed by
// compressed-public-key hex, into ledger's native map type.
func (c *Config) GenesisAllocation() map[ledger.PublicKeyHex]uint64 {
	out := make(map[ledger.PublicKeyHex]uint64, len(c.Ledger.GenesisAllocation))
	for k, v := range c.Ledger.GenesisAllocation {
		out[ledger.PublicKeyHex(k)] = v
	}
	return out
}
