package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any
// errors. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Variables follow the naming convention
// MOSAIC_SECTION_FIELD (e.g. MOSAIC_SERVER_LISTEN_ADDRESS) and always take
// precedence over file-based configuration.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies MOSAIC_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("MOSAIC_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("MOSAIC_SERVER_GRACEFUL_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.GracefulShutdownTimeout = d
		}
	}

	if val := os.Getenv("MOSAIC_GLOBAL_CONNECTION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Global.ConnectionTimeout = d
		}
	}

	if val := os.Getenv("MOSAIC_STORAGE_REGISTRY_PATH"); val != "" {
		cfg.Storage.RegistryPath = val
	}
	if val := os.Getenv("MOSAIC_STORAGE_PROCESS_LOG_PATH"); val != "" {
		cfg.Storage.ProcessLogPath = val
	}

	if val := os.Getenv("MOSAIC_LOG_CLEANUP_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.LogCleanup.Enabled = b
		}
	}
	if val := os.Getenv("MOSAIC_LOG_CLEANUP_RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.LogCleanup.RetentionDays = i
		}
	}

	if val := os.Getenv("MOSAIC_HEALTH_CHECK_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.HealthCheck.Enabled = b
		}
	}
	if val := os.Getenv("MOSAIC_HEALTH_CHECK_INTERVAL_MINUTES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.HealthCheck.IntervalMinutes = i
		}
	}

	if val := os.Getenv("MOSAIC_KEY_HEALTH_CHECK_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.KeyHealthCheck.Enabled = b
		}
	}
	if val := os.Getenv("MOSAIC_KEY_HEALTH_CHECK_INTERVAL_MINUTES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.KeyHealthCheck.IntervalMinutes = i
		}
	}

	if val := os.Getenv("MOSAIC_REQUEST_LOGGING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.RequestLogging.Enabled = b
		}
	}
	if val := os.Getenv("MOSAIC_REQUEST_LOGGING_QUEUE_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.RequestLogging.Queue.Enabled = b
		}
	}
	if val := os.Getenv("MOSAIC_REQUEST_LOGGING_QUEUE_MAX_CAPACITY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.RequestLogging.Queue.MaxCapacity = i
		}
	}
	if val := os.Getenv("MOSAIC_REQUEST_LOGGING_QUEUE_FULL_STRATEGY"); val != "" {
		cfg.RequestLogging.Queue.FullStrategy = QueueFullStrategy(val)
	}

	if val := os.Getenv("MOSAIC_AUTH_JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("MOSAIC_AUTH_SESSION_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Auth.SessionTimeoutSeconds = i
		}
	}

	if val := os.Getenv("MOSAIC_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("MOSAIC_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}
