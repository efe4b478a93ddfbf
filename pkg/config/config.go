package config

// Package config loads a Nodalync engine configuration from YAML plus
// environment overlays, the same viper-based pattern the teacher's
// pkg/config used for its blockchain node config.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nodalync/engine/core"
	"github.com/nodalync/engine/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a Nodalync engine instance. It
// mirrors the structure of the YAML files Load reads from cmd/config or
// config; no such files ship with this module.
type Config struct {
	Identity struct {
		KeyPath string `mapstructure:"key_path" json:"key_path"`
	} `mapstructure:"identity" json:"identity"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Channel struct {
		DefaultDeposit uint64 `mapstructure:"default_deposit" json:"default_deposit"`
		MinDeposit     uint64 `mapstructure:"min_deposit" json:"min_deposit"`
	} `mapstructure:"channel" json:"channel"`

	Settlement struct {
		ContractRPCAddr string        `mapstructure:"contract_rpc_addr" json:"contract_rpc_addr"`
		BatchThreshold  uint64        `mapstructure:"batch_threshold" json:"batch_threshold"`
		BatchInterval   time.Duration `mapstructure:"batch_interval" json:"batch_interval"`
		PoolMaxIdle     int           `mapstructure:"pool_max_idle" json:"pool_max_idle"`
		PoolIdleTTL     time.Duration `mapstructure:"pool_idle_ttl" json:"pool_idle_ttl"`
	} `mapstructure:"settlement" json:"settlement"`

	Storage struct {
		BlobDir      string `mapstructure:"blob_dir" json:"blob_dir"`
		WALPath      string `mapstructure:"wal_path" json:"wal_path"`
		SnapshotPath string `mapstructure:"snapshot_path" json:"snapshot_path"`
		CacheEntries int    `mapstructure:"cache_entries" json:"cache_entries"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up overrides from environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NODALYNC_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NODALYNC_ENV", ""))
}

// LoadIdentity reads the node's identity keypair from identity.key_path,
// generating and persisting a fresh one on first run via
// core.LoadOrCreateIdentity.
func (c *Config) LoadIdentity() (*core.Identity, error) {
	if c.Identity.KeyPath == "" {
		return nil, fmt.Errorf("load identity: identity.key_path is not configured")
	}
	return core.LoadOrCreateIdentity(c.Identity.KeyPath)
}

// EngineConfig projects the loaded configuration onto core.Config, the
// flat struct core.NewEngine consumes. Defaults for anything left zero
// in the YAML are applied here rather than in core, so the engine itself
// never guesses at deployment-specific values.
func (c *Config) EngineConfig() core.Config {
	cacheEntries := c.Storage.CacheEntries
	if cacheEntries <= 0 {
		cacheEntries = 4096
	}
	batchInterval := c.Settlement.BatchInterval
	if batchInterval <= 0 {
		batchInterval = time.Minute
	}
	return core.Config{
		ListenAddr:     c.Network.ListenAddr,
		BootstrapPeers: c.Network.BootstrapPeers,
		DiscoveryTag:   c.Network.DiscoveryTag,
		DefaultDeposit: c.Channel.DefaultDeposit,
		MinDeposit:     c.Channel.MinDeposit,
		BlobDir:        c.Storage.BlobDir,
		WALPath:        c.Storage.WALPath,
		SnapshotPath:   c.Storage.SnapshotPath,
		CacheEntries:   cacheEntries,
		BatchThreshold: c.Settlement.BatchThreshold,
		BatchInterval:  batchInterval,
	}
}
