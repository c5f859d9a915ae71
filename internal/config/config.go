package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultSyncInterval       = 900
	DefaultServerPort         = 5232
	DefaultUsername           = "setu"
	DefaultTombstoneRetention = 7 * 24 * 3600
	DefaultCompactInterval    = 3600
	DefaultRemoteTimeout      = 30
)

// Config represents ~/.setu/config.toml. The settings surface edits this file;
// the daemon only reads it.
type Config struct {
	GoogleClientID        string `toml:"google_client_id"`
	SyncIntervalSecs      int    `toml:"sync_interval_secs" validate:"gte=30,lte=86400"`
	ServerPort            int    `toml:"server_port" validate:"gte=1024,lte=65535"`
	Username              string `toml:"username" validate:"required,alphanum,max=64"`
	TombstoneRetentionSec int    `toml:"tombstone_retention_secs" validate:"gte=0"`
	CompactIntervalSecs   int    `toml:"compact_interval_secs" validate:"gte=60"`
	RemoteTimeoutSecs     int    `toml:"remote_timeout_secs" validate:"gte=1,lte=300"`
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SyncIntervalSecs:      DefaultSyncInterval,
		ServerPort:            DefaultServerPort,
		Username:              DefaultUsername,
		TombstoneRetentionSec: DefaultTombstoneRetention,
		CompactIntervalSecs:   DefaultCompactInterval,
		RemoteTimeoutSecs:     DefaultRemoteTimeout,
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file does
// not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SyncInterval returns the periodic sync interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

// TombstoneRetention returns how long deleted contacts are kept before compaction.
func (c *Config) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionSec) * time.Second
}

// CompactInterval returns how often the compactor runs.
func (c *Config) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalSecs) * time.Second
}

// RemoteTimeout bounds every remote API call.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSecs) * time.Second
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
