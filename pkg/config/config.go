// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package config loads fleetd configuration: defaults, then the JSON config
// file, then environment overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type ServerConfig struct {
	Host        string   `json:"host" env:"FLEET_HOST"`
	Port        int      `json:"port" env:"PORT"`
	CORSOrigins []string `json:"cors_origins" env:"CORS_ORIGINS"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiresIn time.Duration `json:"jwt_expires_in" env:"JWT_EXPIRES_IN"`
}

type StorageConfig struct {
	Backend string `json:"backend" env:"STORAGE_BACKEND"`
	DBPath  string `json:"db_path" env:"DB_PATH"`
}

type SpawnLimitsConfig struct {
	SoftLimit  int  `json:"soft_limit" env:"SPAWN_SOFT_LIMIT"`
	HardLimit  int  `json:"hard_limit" env:"MAX_WORKERS"`
	MaxDepth   int  `json:"max_depth" env:"SPAWN_MAX_DEPTH"`
	NativeOnly bool `json:"native_only" env:"FLEET_NATIVE_ONLY"`
}

type SchedulerConfig struct {
	TickIntervalMs int64 `json:"tick_interval_ms" env:"TICK_INTERVAL_MS"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" env:"RATE_LIMIT_BURST"`
}

type Config struct {
	Env       string            `json:"env" env:"FLEET_ENV"`
	Server    ServerConfig      `json:"server"`
	Auth      AuthConfig        `json:"auth"`
	Storage   StorageConfig     `json:"storage"`
	Spawn     SpawnLimitsConfig `json:"spawn"`
	Scheduler SchedulerConfig   `json:"scheduler"`
	RateLimit RateLimitConfig   `json:"rate_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: AuthConfig{
			JWTExpiresIn: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DBPath:  "fleetd.db",
		},
		Spawn: SpawnLimitsConfig{
			SoftLimit: 50,
			HardLimit: 100,
			MaxDepth:  3,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs: 1000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration and fills the JWT secret. In
// production a missing secret is fatal; elsewhere a random one is generated
// per process.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler.tick_interval_ms: must be positive")
	}
	if c.Auth.JWTSecret == "" {
		if c.Env == EnvProduction {
			return fmt.Errorf("auth.jwt_secret: required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		c.Auth.JWTSecret = hex.EncodeToString(buf)
	}
	return nil
}

// SaveConfig writes cfg as indented JSON, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}
