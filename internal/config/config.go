// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds relational backend settings. An empty DSN disables the
// relational backend entirely and the service runs file-backed.
type DatabaseConfig struct {
	Driver             string `yaml:"driver"`
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_seconds"`
	PingTimeoutSec     int    `yaml:"ping_timeout_seconds"`
}

// StorageConfig holds the file-backed contingency store settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ProbeConfig controls the persistence health monitor.
type ProbeConfig struct {
	IntervalSec int `yaml:"interval_seconds"`
}

// AuthConfig holds bearer-token settings.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	TokenTTLMins int    `yaml:"token_ttl_minutes"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Probe    ProbeConfig    `yaml:"probe"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Driver: "postgres", MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetimeSec: 300, PingTimeoutSec: 3},
		Storage:  StorageConfig{DataDir: "data"},
		Probe:    ProbeConfig{IntervalSec: 10},
		Auth:     AuthConfig{TokenTTLMins: 480},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file named by GATEWAY_CONFIG (default
// config/gateway.yaml), falling back to defaults when the file is absent,
// then applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = "config/gateway.yaml"
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}
	applyEnv(cfg)
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required (or set GATEWAY_JWT_SECRET)")
	}
	return cfg, nil
}

// LoadFromPath reads and parses a specific config file on top of defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GATEWAY_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_PROBE_INTERVAL"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Probe.IntervalSec = p
		}
	}
}
