// Package config loads the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full bzsync configuration.
type Config struct {
	Server  ServerConfig `mapstructure:"server"`
	Account string       `mapstructure:"account"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Log     LogConfig    `mapstructure:"log"`
	DataDir string       `mapstructure:"data_dir"`
}

// ServerConfig identifies the Bugzilla instance.
type ServerConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// SyncConfig contains polling settings.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Init points viper at the config file. When cfgFile is empty the default
// location ~/.config/bzsync/config.yaml is searched; a missing file is fine,
// everything can come from flags and environment variables.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".config", "bzsync"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BZSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

// Load unmarshals the configuration and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) error {
	if cfg.Server.URL == "" {
		cfg.Server.URL = "https://bugzilla.mozilla.org"
	}
	cfg.Server.URL = strings.TrimRight(cfg.Server.URL, "/")

	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = 5 * time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "bzsync")
	}

	return nil
}

// CachePath returns the SQLite cache location for the configured account.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "bugs.db")
}

// PrefsPath returns the preferences file location.
func (c *Config) PrefsPath() string {
	return filepath.Join(c.DataDir, "prefs.yaml")
}
