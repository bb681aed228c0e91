/*
config.go - Server configuration

PURPOSE:
  Loads TOML configuration with sane defaults. Every field has a
  default so the server runs with no config file at all; a file only
  overrides what it names.

FILE FORMAT (config.toml):

  [server]
  host = "127.0.0.1"
  port = 8080

  [database]
  path = "leave.db"

  [scheduler]
  enabled = true
  check_interval = "1h"

  [org]
  id = "default"

SEE ALSO:
  - cmd/server/main.go: Flag overrides applied on top of file values
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Org       OrgConfig       `toml:"org"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	CheckInterval string `toml:"check_interval"`
}

type OrgConfig struct {
	ID string `toml:"id"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "leave.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			CheckInterval: "1h",
		},
		Org: OrgConfig{
			ID: "default",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file
// is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if _, err := c.TickInterval(); err != nil {
		return err
	}
	if c.Org.ID == "" {
		return fmt.Errorf("org.id must not be empty")
	}
	return nil
}

// TickInterval parses the scheduler check interval.
func (c *Config) TickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scheduler.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("scheduler.check_interval %q: %w", c.Scheduler.CheckInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler.check_interval must be positive")
	}
	return d, nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
