// Package config loads blockpad settings from file, environment, and
// defaults.
//
// Resolution order: explicit file path, then ./blockpad.yaml, then
// $HOME/.config/blockpad/blockpad.yaml, with BLOCKPAD_* environment
// variables overriding file values (BLOCKPAD_REMOTE_BASE_URL, etc.). A
// missing config file is not an error; everything has a default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/blockpad/blockpad/internal/hierarchy"
	"github.com/blockpad/blockpad/internal/queue"
	"github.com/blockpad/blockpad/internal/realtime"
)

// Config is the full blockpad configuration.
type Config struct {
	// DBPath is the local store location.
	DBPath string `mapstructure:"db_path"`

	// UserID identifies this user on the remote store and the feed.
	UserID string `mapstructure:"user_id"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Hierarchy HierarchyConfig `mapstructure:"hierarchy"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig points at the remote store.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	FeedURL string        `mapstructure:"feed_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig mirrors queue.Config.
type QueueConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	MaxRetries      int           `mapstructure:"max_retries"`
	EnableRollback  bool          `mapstructure:"enable_rollback"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// RealtimeConfig mirrors realtime.Config.
type RealtimeConfig struct {
	ReconnectDelayBase   time.Duration `mapstructure:"reconnect_delay_base"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// HierarchyConfig mirrors hierarchy.Config.
type HierarchyConfig struct {
	PageSize     int `mapstructure:"page_size"`
	InitialDepth int `mapstructure:"initial_depth"`
}

// LogConfig configures daemon log rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration. path may be empty to use the search
// paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blockpad")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/blockpad")
	}

	v.SetEnvPrefix("BLOCKPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file anywhere: run on defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "blockpad.db")
	v.SetDefault("user_id", "")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.feed_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.sync_interval", 10*time.Second)
	v.SetDefault("queue.retry_delay_base", 200*time.Millisecond)
	v.SetDefault("queue.max_retry_delay", 30*time.Second)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.enable_rollback", true)
	v.SetDefault("queue.retention_window", 24*time.Hour)

	v.SetDefault("realtime.reconnect_delay_base", time.Second)
	v.SetDefault("realtime.max_reconnect_delay", 30*time.Second)
	v.SetDefault("realtime.max_reconnect_attempts", 10)

	v.SetDefault("hierarchy.page_size", 50)
	v.SetDefault("hierarchy.initial_depth", 3)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// QueueConfig converts to the queue package's config.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		BatchSize:       c.Queue.BatchSize,
		SyncInterval:    c.Queue.SyncInterval,
		RetryDelayBase:  c.Queue.RetryDelayBase,
		MaxRetryDelay:   c.Queue.MaxRetryDelay,
		MaxRetries:      c.Queue.MaxRetries,
		EnableRollback:  c.Queue.EnableRollback,
		RetentionWindow: c.Queue.RetentionWindow,
	}
}

// RealtimeConfig converts to the realtime package's config.
func (c *Config) RealtimeConfig() realtime.Config {
	return realtime.Config{
		Actor:                c.UserID,
		ReconnectDelayBase:   c.Realtime.ReconnectDelayBase,
		MaxReconnectDelay:    c.Realtime.MaxReconnectDelay,
		MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts,
	}
}

// HierarchyConfig converts to the hierarchy package's config.
func (c *Config) HierarchyConfig() hierarchy.Config {
	return hierarchy.Config{
		PageSize:     c.Hierarchy.PageSize,
		InitialDepth: c.Hierarchy.InitialDepth,
	}
}
