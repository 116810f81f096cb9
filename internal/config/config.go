// Package config loads the ledgersync configuration file with
// environment overrides and optional live reload.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RemoteConfig points the engine at the remote endpoint.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	FeedURL string        `mapstructure:"feed_url"`
	Token   string        `mapstructure:"token"`
	UserID  string        `mapstructure:"user_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the orchestrator and the outbox.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	PullPageSize  int           `mapstructure:"pull_page_size"`
	PulseDebounce time.Duration `mapstructure:"pulse_debounce"`
	Lookback      time.Duration `mapstructure:"lookback"`
	MaxRetries    int           `mapstructure:"max_retries"`
	PruneAfter    time.Duration `mapstructure:"prune_after"`
}

// DatabaseConfig locates the local store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DashboardConfig controls the local status websocket.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig controls daemon log output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full configuration tree.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

// Load reads the configuration from path, or from ledgersync.yaml in
// the working directory and ~/.ledgersync when path is empty. A missing
// file is not an error; defaults and environment apply. Environment
// overrides use the LEDGERSYNC_ prefix, e.g. LEDGERSYNC_REMOTE_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.path", ".ledgersync/local.db")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.pull_page_size", 500)
	v.SetDefault("sync.pulse_debounce", time.Second)
	v.SetDefault("sync.lookback", 2*time.Minute)
	v.SetDefault("sync.max_retries", 10)
	v.SetDefault("sync.prune_after", 48*time.Hour)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8844)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	if path == "" {
		v.SetConfigName("ledgersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ledgersync")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &Config{v: v}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c, nil
}

// Watch reloads the configuration when the file changes and passes the
// fresh tree to fn. Reload failures keep the previous values; fn is
// only called with a config that unmarshalled cleanly.
func (c *Config) Watch(fn func(*Config)) {
	c.v.OnConfigChange(func(fsnotify.Event) {
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			return
		}
		fn(fresh)
	})
	c.v.WatchConfig()
}
