// Package config defines the krypton server configuration, loaded from a
// TOML file through viper with KRYPTON_* env var overrides on top.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config mirrors the TOML sections of the config file.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Cleanup  Cleanup  `mapstructure:"cleanup"`
	TLS      TLS      `mapstructure:"tls"`
	Logging  Logging  `mapstructure:"logging"`
	Images   Images   `mapstructure:"images"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

// Server holds the listener settings.
type Server struct {
	BindAddr            string `mapstructure:"bind_addr"`
	Port                int    `mapstructure:"port"`
	MaxConnections      int    `mapstructure:"max_connections"`
	ConnectionTimeoutMs int    `mapstructure:"connection_timeout_ms"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.BindAddr, s.Port) }

// ConnectionTimeout returns the stale-session cutoff as a duration.
func (s Server) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

// Database locates the SQLite file.
type Database struct {
	Path string `mapstructure:"path"`
}

// Cleanup controls the retention sweeper. Disabled unless Enabled is set.
type Cleanup struct {
	Enabled            bool `mapstructure:"enabled"`
	IntervalHours      int  `mapstructure:"interval_hours"`
	RetentionDays      int  `mapstructure:"retention_days"`
	ImageRetentionDays int  `mapstructure:"image_retention_days"`
}

// TLS controls transport security for the in-band upgrade. With Enabled set
// and no cert/key paths, a self-signed certificate is generated at startup.
type TLS struct {
	Enabled  bool   `mapstructure:"enabled"`
	Required bool   `mapstructure:"required"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Logging selects output format and level.
type Logging struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// Images controls external blob storage for IMAGE entries.
type Images struct {
	Enabled bool   `mapstructure:"enabled"`
	Root    string `mapstructure:"root"`
}

// Metrics controls the optional Prometheus endpoint.
type Metrics struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// SetDefaults registers every config default on v. Call before reading the
// config file so absent keys resolve sensibly.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", "0.0.0.0")
	v.SetDefault("server.port", 6789)
	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.connection_timeout_ms", 120_000)

	v.SetDefault("database.path", "krypton.db")

	v.SetDefault("cleanup.enabled", false)
	v.SetDefault("cleanup.interval_hours", 1)
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.image_retention_days", 0)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.required", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")

	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.level", "")

	v.SetDefault("images.enabled", false)
	v.SetDefault("images.root", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")
}

// Load unmarshals the resolved viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: server.max_connections must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Cleanup.Enabled && c.Cleanup.IntervalHours < 1 {
		return fmt.Errorf("config: cleanup.interval_hours must be at least 1")
	}
	if c.TLS.Required && !c.TLS.Enabled {
		return fmt.Errorf("config: tls.required needs tls.enabled")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls.cert_file and tls.key_file must be set together")
	}
	if c.Images.Enabled && c.Images.Root == "" {
		return fmt.Errorf("config: images.root is required when images.enabled")
	}
	return nil
}

// DefaultTOML is the commented config file written by `krypton setup`.
const DefaultTOML = `# krypton server configuration

[server]
bind_addr = "0.0.0.0"
port = 6789
max_connections = 1000
# Sessions idle longer than this are evicted; clients heartbeat every 30s.
connection_timeout_ms = 120000

[database]
path = "krypton.db"

[cleanup]
# Periodic eviction of old clipboard entries. Off by default.
enabled = false
interval_hours = 1
retention_days = 30
# Separate retention for IMAGE entries; 0 uses only retention_days.
image_retention_days = 0

[tls]
enabled = false
required = false
# Leave empty to generate a self-signed certificate at startup.
cert_file = ""
key_file = ""

[logging]
# auto | text | json
format = "auto"
# debug | info | warn | error (empty = info)
level = ""

[images]
# Store IMAGE entry bytes on disk instead of in the database.
enabled = false
root = ""

[metrics]
enabled = false
listen_addr = "127.0.0.1:9464"
`
