// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Lock      LockConfig      `mapstructure:"lock"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Events    EventsConfig    `mapstructure:"events"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// DatabaseConfig holds the embedded sqlite configuration.
// Path ":memory:" selects the in-memory journal mode used by tests.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig holds the single-instance lock file configuration.
type LockConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig holds launch queue configuration.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// EventsConfig selects the event bus backend. Mode "memory" is the
// in-process bus; "nats" connects to an external NATS server.
type EventsConfig struct {
	Mode          string `mapstructure:"mode"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds the launch settings for one agent CLI family.
type ProviderConfig struct {
	Binary       string `mapstructure:"binary"`
	DefaultModel string `mapstructure:"defaultModel"`
}

// ProvidersConfig holds per-provider CLI configuration.
type ProvidersConfig struct {
	Claude ProviderConfig `mapstructure:"claude"`
	Gemini ProviderConfig `mapstructure:"gemini"`
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

// ShutdownTimeoutDuration returns the shutdown grace period as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// InMemory reports whether the database runs in the in-memory journal mode.
func (d *DatabaseConfig) InMemory() bool {
	return d.Path == ":memory:"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// dataDir returns the default per-user data directory (~/.agentd).
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".agentd")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 15)

	// Database defaults
	v.SetDefault("database.path", filepath.Join(dataDir(), "agentd.db"))

	// Lock defaults
	v.SetDefault("lock.path", filepath.Join(dataDir(), "agentd.lock"))

	// Queue defaults
	v.SetDefault("queue.capacity", 64)

	// Events defaults - memory mode needs no external broker
	v.SetDefault("events.mode", "memory")
	v.SetDefault("events.url", "")
	v.SetDefault("events.clientId", "agentd")
	v.SetDefault("events.maxReconnects", 10)

	// Provider defaults
	v.SetDefault("providers.claude.binary", "claude")
	v.SetDefault("providers.claude.defaultModel", "")
	v.SetDefault("providers.gemini.binary", "gemini")
	v.SetDefault("providers.gemini.defaultModel", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with snake_case naming.
// Config file should be named agentd.yaml and placed in the current directory,
// ~/.agentd/, or /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("events.maxReconnects", "AGENTD_EVENTS_MAX_RECONNECTS")
	_ = v.BindEnv("providers.claude.binary", "AGENTD_CLAUDE_BINARY")
	_ = v.BindEnv("providers.claude.defaultModel", "AGENTD_CLAUDE_MODEL")
	_ = v.BindEnv("providers.gemini.binary", "AGENTD_GEMINI_BINARY")
	_ = v.BindEnv("providers.gemini.defaultModel", "AGENTD_GEMINI_MODEL")

	// Configure config file
	v.SetConfigName("agentd")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(dataDir())
	v.AddConfigPath("/etc/agentd/")

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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required (use :memory: for in-memory mode)")
	}

	// Lock validation
	if cfg.Lock.Path == "" {
		errs = append(errs, "lock.path is required")
	}

	// Queue validation
	if cfg.Queue.Capacity <= 0 {
		errs = append(errs, "queue.capacity must be positive")
	}

	// Events validation
	switch cfg.Events.Mode {
	case "memory":
	case "nats":
		if cfg.Events.URL == "" {
			errs = append(errs, "events.url is required when events.mode is nats")
		}
	default:
		errs = append(errs, "events.mode must be one of: memory, nats")
	}

	// Provider validation - binaries must at least be named; existence is
	// checked at spawn time so a missing CLI only fails its own launches.
	if cfg.Providers.Claude.Binary == "" {
		errs = append(errs, "providers.claude.binary is required")
	}
	if cfg.Providers.Gemini.Binary == "" {
		errs = append(errs, "providers.gemini.binary is required")
	}

	// Logging validation
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
