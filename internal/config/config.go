// Package config loads the server configuration with precedence
// defaults → YAML file → LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/ledger/internal/binary"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Tracking TrackingConfig `yaml:"tracking"`
	Binary   BinaryConfig   `yaml:"binary"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TrackingConfig selects the tables under modification tracking. With both
// lists empty every non-core table is tracked.
type TrackingConfig struct {
	Include      []string            `yaml:"include"`
	Exclude      []string            `yaml:"exclude"`
	Masked       map[string][]string `yaml:"masked"`
	RequireActor bool                `yaml:"require_actor"`
}

// BinaryConfig contains blob storage settings.
type BinaryConfig struct {
	Root     string              `yaml:"root"`
	Pattern  string              `yaml:"pattern"`
	Checksum string              `yaml:"checksum"`
	S3       binary.MirrorConfig `yaml:"s3"`
}

// SessionConfig contains login session settings.
type SessionConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LEDGER_CONFIG_PATH", "config/ledger.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/ledger.db",
		},
		Binary: BinaryConfig{
			Root:     "data/binary",
			Pattern:  binary.DefaultPattern,
			Checksum: binary.ChecksumMD5,
		},
		Session: SessionConfig{
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("LEDGER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LEDGER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LEDGER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LEDGER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("LEDGER_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LEDGER_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Tracking
	if v := os.Getenv("LEDGER_TRACK_INCLUDE"); v != "" {
		cfg.Tracking.Include = splitList(v)
	}
	if v := os.Getenv("LEDGER_TRACK_EXCLUDE"); v != "" {
		cfg.Tracking.Exclude = splitList(v)
	}
	if v := os.Getenv("LEDGER_REQUIRE_ACTOR"); v != "" {
		cfg.Tracking.RequireActor = v == "true" || v == "1"
	}

	// Binary store
	if v := os.Getenv("LEDGER_BINARY_ROOT"); v != "" {
		cfg.Binary.Root = v
	}
	if v := os.Getenv("LEDGER_BINARY_PATTERN"); v != "" {
		cfg.Binary.Pattern = v
	}
	if v := os.Getenv("LEDGER_BINARY_CHECKSUM"); v != "" {
		cfg.Binary.Checksum = v
	}
	// S3 credentials are env-only by convention
	if v := os.Getenv("LEDGER_S3_ENDPOINT"); v != "" {
		cfg.Binary.S3.Endpoint = v
	}
	if v := os.Getenv("LEDGER_S3_BUCKET"); v != "" {
		cfg.Binary.S3.Bucket = v
	}
	if v := os.Getenv("LEDGER_S3_ACCESS_KEY"); v != "" {
		cfg.Binary.S3.AccessKey = v
	}
	if v := os.Getenv("LEDGER_S3_SECRET_KEY"); v != "" {
		cfg.Binary.S3.SecretKey = v
	}
	if v := os.Getenv("LEDGER_S3_REGION"); v != "" {
		cfg.Binary.S3.Region = v
	}

	// Session
	if v := os.Getenv("LEDGER_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.TTL = Duration(d)
		}
	}
	if v := os.Getenv("LEDGER_SESSION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.SweepInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LEDGER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are consistent.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	switch c.Binary.Checksum {
	case binary.ChecksumMD5, binary.ChecksumSHA256:
	default:
		return fmt.Errorf("unsupported checksum algorithm %q", c.Binary.Checksum)
	}
	if len(c.Tracking.Include) > 0 && len(c.Tracking.Exclude) > 0 {
		return errors.New("tracking include and exclude are mutually exclusive")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
