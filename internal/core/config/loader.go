package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.InstanceID = host
		} else {
			cfg.Server.InstanceID = "studyjobs"
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Remote.Bucket == "" {
		cfg.Remote.Bucket = "materials"
	}

	p := &cfg.Processing
	if p.TriggerTimeout == 0 {
		p.TriggerTimeout = 120 * time.Second
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 5 * time.Minute
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = time.Minute
	}
	if p.DiagnosticsCap == 0 {
		p.DiagnosticsCap = 1000
	}

	r := &cfg.Retry
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
}

// Validate reports configuration that cannot work.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is below retry.initial_delay %s", c.Retry.MaxDelay, c.Retry.InitialDelay))
	}
	if c.Processing.TriggerTimeout < 0 {
		errs = append(errs, errors.New("processing.trigger_timeout must not be negative"))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	if c.Remote.BaseURL != "" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when the API is enabled"))
	}
	return errors.Join(errs...)
}
