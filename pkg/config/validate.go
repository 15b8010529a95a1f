package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks a configuration for internal consistency. It is called
// after ApplyDefaults, so zero values that have defaults never reach it.
func Validate(cfg *Config) error {
	var errs []string

	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddress); err != nil {
		errs = append(errs, fmt.Sprintf("server.listen_address %q is not host:port: %v", cfg.Server.ListenAddress, err))
	}
	if cfg.Server.MaxHeaderBytes < 0 {
		errs = append(errs, "server.max_header_bytes must not be negative")
	}

	if cfg.Global.ConnectionTimeout <= 0 {
		errs = append(errs, "global.connection_timeout must be positive")
	}
	if cfg.Global.MaxRequestBodyBytes <= 0 {
		errs = append(errs, "global.max_request_body_bytes must be positive")
	}

	if cfg.Storage.RegistryPath == "" {
		errs = append(errs, "storage.registry_path must be set")
	}

	if cfg.LogCleanup.Enabled {
		if cfg.LogCleanup.IntervalHours <= 0 {
			errs = append(errs, "log_cleanup.interval_hours must be positive")
		}
		if cfg.LogCleanup.RetentionDays <= 0 {
			errs = append(errs, "log_cleanup.retention_days must be positive")
		}
	}

	if cfg.HealthCheck.Enabled {
		if cfg.HealthCheck.IntervalMinutes <= 0 {
			errs = append(errs, "health_check.interval_minutes must be positive")
		}
		if cfg.HealthCheck.MaxConcurrentGroups <= 0 {
			errs = append(errs, "health_check.max_concurrent_groups must be positive")
		}
		if cfg.HealthCheck.CheckTimeoutSeconds <= 0 {
			errs = append(errs, "health_check.check_timeout_seconds must be positive")
		}
	}

	if cfg.KeyHealthCheck.Enabled && cfg.KeyHealthCheck.IntervalMinutes <= 0 {
		errs = append(errs, "key_health_check.interval_minutes must be positive")
	}

	q := cfg.RequestLogging.Queue
	if q.MaxCapacity <= 0 {
		errs = append(errs, "request_logging.queue.max_capacity must be positive")
	}
	if q.BatchSize <= 0 {
		errs = append(errs, "request_logging.queue.batch_size must be positive")
	}
	if q.BatchSize > q.MaxCapacity {
		errs = append(errs, "request_logging.queue.batch_size must not exceed max_capacity")
	}
	switch q.FullStrategy {
	case StrategyDropOldest, StrategyRejectNew, StrategyBlock:
	default:
		errs = append(errs, fmt.Sprintf("request_logging.queue.full_strategy %q is not one of drop_oldest, reject_new, block", q.FullStrategy))
	}
	if cfg.RequestLogging.TruncateBodyTo < 0 {
		errs = append(errs, "request_logging.truncate_body_to must not be negative")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of json, text", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
