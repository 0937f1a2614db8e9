// Package config loads rescache settings from YAML and RESCACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CacheConfig holds storage locations
type CacheConfig struct {
	Dir             string        `mapstructure:"dir"`        // Blobs and record database
	LegacyDir       string        `mapstructure:"legacy_dir"` // Pre-migration store, empty disables import
	StagingMaxAge   time.Duration `mapstructure:"staging_max_age"`
	ResyncOnStartup bool          `mapstructure:"resync_on_startup"`
}

// FetchConfig holds download settings
type FetchConfig struct {
	BaseURL       string        `mapstructure:"base_url"` // Relative keys resolve against this
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the Prometheus listener, empty disables it
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:             defaultCachePath(),
			StagingMaxAge:   24 * time.Hour,
			ResyncOnStartup: true,
		},
		Fetch: FetchConfig{
			Timeout:       30 * time.Second,
			MaxConcurrent: 4,
			UserAgent:     "rescache/1.0",
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "rescache", "rescache.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "rescache", "rescache.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "rescache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "rescache")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "rescache", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "rescache", "cache")
	}
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable overrides, e.g. RESCACHE_FETCH_BASE_URL
	v.SetEnvPrefix("RESCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setAll(v, cfg)
	return v
}

// setAll registers every key so env overrides apply and writes use snake_case keys.
func setAll(v interface{ SetDefault(string, any) }, cfg *Config) {
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.legacy_dir", cfg.Cache.LegacyDir)
	v.SetDefault("cache.staging_max_age", cfg.Cache.StagingMaxAge)
	v.SetDefault("cache.resync_on_startup", cfg.Cache.ResyncOnStartup)

	v.SetDefault("fetch.base_url", cfg.Fetch.BaseURL)
	v.SetDefault("fetch.timeout", cfg.Fetch.Timeout)
	v.SetDefault("fetch.max_concurrent", cfg.Fetch.MaxConcurrent)
	v.SetDefault("fetch.user_agent", cfg.Fetch.UserAgent)

	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// LoadConfig loads configuration from file and environment. An empty path
// searches the per-OS config directory and the working directory for config.yaml.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := newViper(cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML to path, or to the default config location when
// path is empty. Returns the file written.
func SaveConfig(cfg *Config, path string) (string, error) {
	if path == "" {
		path = filepath.Join(defaultConfigPath(), "config.yaml")
	}

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setAll(setter{v}, cfg)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// setter routes setAll through Set so values are written even when equal to defaults.
type setter struct{ v *viper.Viper }

func (s setter) SetDefault(key string, value any) {
	if d, ok := value.(time.Duration); ok {
		value = d.String()
	}
	s.v.Set(key, value)
}
