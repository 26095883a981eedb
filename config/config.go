// Package config resolves process configuration from, in ascending
// precedence, built-in defaults, an optional config file, the PORT/ADDRESS
// environment variables, and command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	// Bind is the listen URL: tcp://host:port, unix:///path, or a bare
	// port. When empty it is assembled from Address and Port.
	Bind    string `mapstructure:"bind"`
	Address string `mapstructure:"address"`
	Port    string `mapstructure:"port"`
	// Threads sizes the per-process task pool.
	Threads int `mapstructure:"threads"`
	// Workers is the worker-process count; negative means a CPU fraction.
	Workers int  `mapstructure:"workers"`
	Verbose bool `mapstructure:"verbose"`
}

// URL resolves the effective listen URL.
func (c *Config) URL() string {
	if c.Bind != "" {
		return c.Bind
	}
	host := c.Address
	port := c.Port
	if port == "" {
		port = "3000"
	}
	if host == "" {
		return port
	}
	return fmt.Sprintf("tcp://%s:%s", host, port)
}

// Load reads configuration. path may be empty; a missing file is not an
// error, a malformed one is.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetDefault("threads", 4)
	v.SetDefault("workers", 0)
	v.SetDefault("verbose", false)

	// The reference environment surface.
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("address", "ADDRESS")
	v.SetEnvPrefix("FACIET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, v, nil
}

// WatchVerbose hot-reloads the verbose flag from the config file, flipping
// the handler level without a restart.
func WatchVerbose(v *viper.Viper, level *slog.LevelVar, logger *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if v.GetBool("verbose") {
			level.Set(slog.LevelDebug)
		} else {
			level.Set(slog.LevelInfo)
		}
		logger.Info("configuration reloaded", "file", e.Name)
	})
	v.WatchConfig()
}
