package config

import (
	"time"

	redisclient "github.com/Byk3y/PREPAI-sub003/internal/infra/redis"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/remote"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Remote     remote.Config      `yaml:"remote"`
	Auth       AuthConfig         `yaml:"auth"`
	Processing ProcessingConfig   `yaml:"processing"`
	Retry      RetryConfig        `yaml:"retry"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health server
	// InstanceID names this process when taking worker locks.
	InstanceID string `yaml:"instance_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthConfig holds API token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// ProcessingConfig holds orchestrator and worker settings.
type ProcessingConfig struct {
	TriggerTimeout     time.Duration `yaml:"trigger_timeout"`
	AllowLocalFallback bool          `yaml:"allow_local_fallback"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	Retention          time.Duration `yaml:"retention"` // 0 = keep forever
	DiagnosticsCap     int           `yaml:"diagnostics_cap"`
}

// RetryConfig holds the automatic retry backoff.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}
