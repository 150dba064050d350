// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Poller  PollerConfig  `yaml:"poller"`
	History HistoryConfig `yaml:"history"`
	Targets TargetsConfig `yaml:"targets"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type PollerConfig struct {
	IntervalMS       int `yaml:"interval_ms"`
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	QueryTimeoutMS   int `yaml:"query_timeout_ms"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// HistoryConfig controls optional persistence of published metrics records
// to PostgreSQL. Leave Enabled false to run without a database.
type HistoryConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	DBName                 string `yaml:"dbname"`
	SSLMode                string `yaml:"ssl_mode"`
	BatchSize              int    `yaml:"batch_size"`
	FlushIntervalMS        int    `yaml:"flush_interval_ms"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
}

type TargetsConfig struct {
	File string `yaml:"file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("HOSTLENS_AUTH_JWT_SECRET is required (minimum 32 characters)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}

	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("HOSTLENS_AUTH_ADMIN_PASSWORD must be set to a strong password")
	}

	if c.Poller.IntervalMS < 1000 {
		return fmt.Errorf("poller interval_ms must be at least 1000")
	}

	if c.History.Enabled {
		if c.History.Host == "" || c.History.DBName == "" {
			return fmt.Errorf("history host and dbname are required when history is enabled")
		}
	}

	if c.Targets.File == "" {
		return fmt.Errorf("targets file is required")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with HOSTLENS_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOSTLENS_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("HOSTLENS_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("HOSTLENS_HISTORY_HOST"); v != "" {
		cfg.History.Host = v
	}
	if v := os.Getenv("HOSTLENS_HISTORY_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.History.Port)
	}
	if v := os.Getenv("HOSTLENS_HISTORY_PASSWORD"); v != "" {
		cfg.History.Password = v
	}
	if v := os.Getenv("HOSTLENS_TARGETS_FILE"); v != "" {
		cfg.Targets.File = v
	}
}

// applyDefaults fills in values the file may omit
func applyDefaults(cfg *Config) {
	if cfg.Poller.IntervalMS == 0 {
		cfg.Poller.IntervalMS = 5000
	}
	if cfg.Poller.ConnectTimeoutMS == 0 {
		cfg.Poller.ConnectTimeoutMS = 10000
	}
	if cfg.Poller.QueryTimeoutMS == 0 {
		cfg.Poller.QueryTimeoutMS = 3000
	}
	if cfg.Poller.SubscriberBuffer == 0 {
		cfg.Poller.SubscriberBuffer = 16
	}
	if cfg.Auth.JWTExpiryHours == 0 {
		cfg.Auth.JWTExpiryHours = 24
	}
	if cfg.History.BatchSize == 0 {
		cfg.History.BatchSize = 500
	}
	if cfg.History.FlushIntervalMS == 0 {
		cfg.History.FlushIntervalMS = 5000
	}
	if cfg.History.MaxConsecutiveFailures == 0 {
		cfg.History.MaxConsecutiveFailures = 5
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetInterval returns the polling interval as a duration
func (p *PollerConfig) GetInterval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// GetConnectTimeout returns the session ready-timeout as a duration
func (p *PollerConfig) GetConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

// GetQueryTimeout returns the per-query time series timeout as a duration
func (p *PollerConfig) GetQueryTimeout() time.Duration {
	return time.Duration(p.QueryTimeoutMS) * time.Millisecond
}

// GetFlushInterval returns the history flush interval as a duration
func (h *HistoryConfig) GetFlushInterval() time.Duration {
	return time.Duration(h.FlushIntervalMS) * time.Millisecond
}

// GetDSN returns the PostgreSQL connection string
func (h *HistoryConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		h.Host, h.Port, h.User, h.Password, h.DBName, h.SSLMode,
	)
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
