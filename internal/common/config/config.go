// Package config provides configuration management for the mission control server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the mission control server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Mission  MissionConfig  `mapstructure:"mission"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite3" (default, Path-based) or "pgx" (Host-based).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MissionConfig holds the mission runtime knobs. All values are read-only
// after startup.
type MissionConfig struct {
	// MaxParallelMissions caps the number of agent loop workers in a
	// non-idle state. Additional missions are queued FIFO.
	MaxParallelMissions int `mapstructure:"maxParallelMissions"`

	// MaxIterations is the per-turn iteration budget. Overrun moves the
	// mission to blocked.
	MaxIterations int `mapstructure:"maxIterations"`

	// SubscriptionBuffer is the per-subscription in-flight buffer before
	// the subscriber is marked lagging and caught up via store replay.
	SubscriptionBuffer int `mapstructure:"subscriptionBuffer"`

	// StallWarnSeconds / StallSevereSeconds are the inactivity thresholds
	// reported by the stall detector.
	StallWarnSeconds   int `mapstructure:"stallWarnSeconds"`
	StallSevereSeconds int `mapstructure:"stallSevereSeconds"`

	// EventPageLimit is the default page size for event reads (hard cap 5000).
	EventPageLimit int `mapstructure:"eventPageLimit"`

	// KeepaliveSeconds is the quiet interval after which a subscription
	// emits a keepalive frame.
	KeepaliveSeconds int `mapstructure:"keepaliveSeconds"`

	// QueueCap bounds the per-mission pending message queue. 0 = unbounded.
	QueueCap int `mapstructure:"queueCap"`

	// ProfilesPath points at a YAML file of named config profiles
	// (agent/backend/model defaults applied at mission creation).
	ProfilesPath string `mapstructure:"profilesPath"`
}

// MCPConfig holds the embedded MCP server configuration and the list of
// external MCP servers whose tools answer tool calls directly.
type MCPConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Port        int      `mapstructure:"port"`
	ToolServers []string `mapstructure:"toolServers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StallWarn returns the warn threshold as a time.Duration.
func (m *MissionConfig) StallWarn() time.Duration {
	return time.Duration(m.StallWarnSeconds) * time.Second
}

// StallSevere returns the severe threshold as a time.Duration.
func (m *MissionConfig) StallSevere() time.Duration {
	return time.Duration(m.StallSevereSeconds) * time.Second
}

// Keepalive returns the keepalive interval as a time.Duration.
func (m *MissionConfig) Keepalive() time.Duration {
	return time.Duration(m.KeepaliveSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MISSIONCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary unless overridden
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "missionctl.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "missionctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "missionctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Mission runtime defaults
	v.SetDefault("mission.maxParallelMissions", 3)
	v.SetDefault("mission.maxIterations", 50)
	v.SetDefault("mission.subscriptionBuffer", 256)
	v.SetDefault("mission.stallWarnSeconds", 60)
	v.SetDefault("mission.stallSevereSeconds", 180)
	v.SetDefault("mission.eventPageLimit", 1000)
	v.SetDefault("mission.keepaliveSeconds", 15)
	v.SetDefault("mission.queueCap", 0)
	v.SetDefault("mission.profilesPath", "")

	// MCP server defaults - disabled unless explicitly enabled
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.toolServers", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MISSIONCTL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/missionctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MISSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("mission.maxParallelMissions", "MISSIONCTL_MISSION_MAX_PARALLEL_MISSIONS")
	_ = v.BindEnv("mission.maxIterations", "MISSIONCTL_MISSION_MAX_ITERATIONS")
	_ = v.BindEnv("database.path", "MISSIONCTL_DATABASE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/missionctl/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for pgx")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Mission.MaxParallelMissions <= 0 {
		errs = append(errs, "mission.maxParallelMissions must be positive")
	}
	if cfg.Mission.MaxIterations <= 0 {
		errs = append(errs, "mission.maxIterations must be positive")
	}
	if cfg.Mission.SubscriptionBuffer <= 0 {
		errs = append(errs, "mission.subscriptionBuffer must be positive")
	}
	if cfg.Mission.EventPageLimit <= 0 || cfg.Mission.EventPageLimit > 5000 {
		errs = append(errs, "mission.eventPageLimit must be between 1 and 5000")
	}
	if cfg.Mission.StallSevereSeconds < cfg.Mission.StallWarnSeconds {
		errs = append(errs, "mission.stallSevereSeconds must be >= mission.stallWarnSeconds")
	}
	if cfg.Mission.QueueCap < 0 {
		errs = append(errs, "mission.queueCap must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
