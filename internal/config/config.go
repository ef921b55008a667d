package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level configuration for EquiHUB.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Local    LocalConfig    `koanf:"local"`
	Sync     SyncConfig     `koanf:"sync"`
	Notify   NotifyConfig   `koanf:"notify"`
	Probe    ProbeConfig    `koanf:"probe"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // "debug" or "release"
}

// DatabaseConfig holds the remote Postgres connection settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// LocalConfig holds the on-device SQLite store settings.
type LocalConfig struct {
	Path string `koanf:"path"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	Interval      string `koanf:"interval"` // parsed as time.Duration in main
	MaxRetries    int    `koanf:"max_retries"`
	CellularBatch int    `koanf:"cellular_batch"`
}

// NotifyConfig tunes the notification scheduler.
type NotifyConfig struct {
	Timezone    string `koanf:"timezone"`     // IANA name, e.g. "Europe/Berlin"
	RebuildCron string `koanf:"rebuild_cron"` // daily full rebuild
}

// ProbeConfig tunes the network link probe. An empty endpoint pins the link
// classification to wifi.
type ProbeConfig struct {
	Endpoint string `koanf:"endpoint"`
	Interval string `koanf:"interval"` // parsed as time.Duration in main
}

// Load loads the configuration from the given file path and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"server.port":             8080,
		"server.host":             "0.0.0.0",
		"server.max_body_size_mb": 1,
		"server.mode":             "release",
		"database.dsn":            "postgres://localhost:5432/equihub?sslmode=disable",
		"database.max_open_conns": 25,
		"database.max_idle_conns": 25,
		"database.auto_migrate":   true,
		"local.path":              "equihub.db",
		"sync.interval":           "30s",
		"sync.max_retries":        8,
		"sync.cellular_batch":     10,
		"notify.timezone":         "UTC",
		"notify.rebuild_cron":     "0 6 * * *",
		"probe.endpoint":          "",
		"probe.interval":          "15s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// 2. Load from file
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Load from Environment Variables
	// EQUIHUB_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("EQUIHUB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EQUIHUB_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values main could not act on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}
	if _, err := time.ParseDuration(c.Sync.Interval); err != nil {
		return fmt.Errorf("invalid sync.interval %q: %w", c.Sync.Interval, err)
	}
	if _, err := time.ParseDuration(c.Probe.Interval); err != nil {
		return fmt.Errorf("invalid probe.interval %q: %w", c.Probe.Interval, err)
	}
	if _, err := time.LoadLocation(c.Notify.Timezone); err != nil {
		return fmt.Errorf("invalid notify.timezone %q: %w", c.Notify.Timezone, err)
	}
	return nil
}

// SyncInterval returns the parsed coordinator interval.
func (c *Config) SyncInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sync.Interval)
	return d
}

// ProbeInterval returns the parsed probe refresh interval.
func (c *Config) ProbeInterval() time.Duration {
	d, _ := time.ParseDuration(c.Probe.Interval)
	return d
}

// Location returns the parsed notification timezone.
func (c *Config) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Notify.Timezone)
	return loc
}
