package config

import "time"

// Config is the root configuration for the mosaic gateway.
// It is loaded from a YAML file, filled in by ApplyDefaults, overridden
// by MOSAIC_* environment variables, and checked by Validate before use.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `yaml:"server"`

	// Global contains process-wide settings shared by all groups.
	Global GlobalConfig `yaml:"global"`

	// Storage contains database file locations.
	Storage StorageConfig `yaml:"storage"`

	// LogCleanup controls the request-log retention worker.
	LogCleanup LogCleanupConfig `yaml:"log_cleanup"`

	// HealthCheck controls the periodic group/key/model health prober.
	HealthCheck HealthCheckConfig `yaml:"health_check"`

	// KeyHealthCheck controls the unhealthy-key recovery prober.
	KeyHealthCheck KeyHealthCheckConfig `yaml:"key_health_check"`

	// RequestLogging controls the async request-log pipeline.
	RequestLogging RequestLoggingConfig `yaml:"request_logging"`

	// Auth contains session token settings for the admin surface.
	Auth AuthConfig `yaml:"auth"`

	// Logging contains process log settings.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus settings.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddress is the host:port the gateway listens on.
	ListenAddress string `yaml:"listen_address"`

	// ReadHeaderTimeout bounds how long reading request headers may take.
	// The overall request timeout is intentionally NOT set here: streaming
	// responses must not be cut off by a server-level write deadline.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// GracefulShutdownTimeout bounds the drain phase on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// GlobalConfig contains process-wide settings shared by all groups.
type GlobalConfig struct {
	// ConnectionTimeout is the default outbound connect timeout, used when
	// a group does not override connect_timeout_seconds.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// MaxRequestBodyBytes limits how much of a client request body is read.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`
}

// StorageConfig contains database file locations.
type StorageConfig struct {
	// RegistryPath is the SQLite file holding groups, proxy keys, request
	// logs, and health records.
	RegistryPath string `yaml:"registry_path"`

	// ProcessLogPath is the secondary SQLite file holding structured
	// process logs. Empty disables the SQLite log sink.
	ProcessLogPath string `yaml:"process_log_path"`
}

// LogCleanupConfig controls the request-log retention worker.
type LogCleanupConfig struct {
	// Enabled turns the cleanup worker on.
	Enabled bool `yaml:"enabled"`

	// IntervalHours is the time between cleanup passes.
	IntervalHours int `yaml:"interval_hours"`

	// CleanupOnStartup runs one pass right after the startup grace period.
	CleanupOnStartup bool `yaml:"cleanup_on_startup"`

	// RetentionDays is how long request logs are kept.
	RetentionDays int `yaml:"retention_days"`
}

// HealthCheckConfig controls the periodic health prober.
type HealthCheckConfig struct {
	// Enabled turns the prober on.
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes is the time between probe rounds.
	IntervalMinutes int `yaml:"interval_minutes"`

	// CheckOnStartup runs one round right after the startup grace period.
	CheckOnStartup bool `yaml:"check_on_startup"`

	// EnableCleanup deletes old HealthCheckEvent rows after each round.
	EnableCleanup bool `yaml:"enable_cleanup"`

	// RetentionDays is how long HealthCheckEvent rows are kept.
	RetentionDays int `yaml:"retention_days"`

	// MaxConcurrentGroups bounds the probe fan-out across groups.
	MaxConcurrentGroups int `yaml:"max_concurrent_groups"`

	// CheckTimeoutSeconds bounds each individual probe call.
	CheckTimeoutSeconds int `yaml:"check_timeout_seconds"`
}

// KeyHealthCheckConfig controls the unhealthy-key recovery prober.
type KeyHealthCheckConfig struct {
	// Enabled turns the recovery prober on.
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes is the time between recovery rounds.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// QueueFullStrategy selects the back-pressure policy of the log queue.
type QueueFullStrategy string

const (
	// StrategyDropOldest evicts the queue head to make room.
	StrategyDropOldest QueueFullStrategy = "drop_oldest"
	// StrategyRejectNew refuses the new item.
	StrategyRejectNew QueueFullStrategy = "reject_new"
	// StrategyBlock enqueues anyway. Operationally discouraged.
	StrategyBlock QueueFullStrategy = "block"
)

// QueueConfig controls the bounded in-memory log queue.
type QueueConfig struct {
	// Enabled turns async queueing on. When off, writes are synchronous.
	// A fully omitted queue block defaults to on.
	Enabled bool `yaml:"enabled"`

	// MaxCapacity is the queue bound.
	MaxCapacity int `yaml:"max_capacity"`

	// BatchSize is the maximum number of items drained per flush.
	BatchSize int `yaml:"batch_size"`

	// ProcessingIntervalMS is the worker tick in milliseconds.
	ProcessingIntervalMS int `yaml:"processing_interval_ms"`

	// MaxRetries is how many times a failed item is re-queued.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelayMS is the delay before a failed batch is retried.
	RetryDelayMS int `yaml:"retry_delay_ms"`

	// GracefulShutdownTimeoutMS bounds the drain phase on shutdown.
	GracefulShutdownTimeoutMS int `yaml:"graceful_shutdown_timeout_ms"`

	// FullStrategy selects the back-pressure policy.
	FullStrategy QueueFullStrategy `yaml:"full_strategy"`
}

// RequestLoggingConfig controls the async request-log pipeline.
type RequestLoggingConfig struct {
	// Enabled turns request logging on.
	Enabled bool `yaml:"enabled"`

	// Queue controls the bounded in-memory queue.
	Queue QueueConfig `yaml:"queue"`

	// TruncateBodyTo caps the stored response body, in bytes. 0 disables
	// response body capture entirely.
	TruncateBodyTo int `yaml:"truncate_body_to"`

	// RetentionDays is how long request logs are kept.
	RetentionDays int `yaml:"retention_days"`
}

// AuthConfig contains session token settings for the admin surface.
type AuthConfig struct {
	// JWTSecret signs admin session tokens. Required when the admin
	// surface is mounted.
	JWTSecret string `yaml:"jwt_secret"`

	// SessionTimeoutSeconds is the session token lifetime.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
}

// LoggingConfig contains process log settings.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the output format ("json", "text").
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled mounts /metrics on the server.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `yaml:"namespace"`
}
