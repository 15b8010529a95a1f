package config

import "time"

// Default values applied by ApplyDefaults when a field is zero.
const (
	DefaultListenAddress           = ":8080"
	DefaultReadHeaderTimeout       = 10 * time.Second
	DefaultIdleTimeout             = 120 * time.Second
	DefaultMaxHeaderBytes          = 1 << 20 // 1MB
	DefaultGracefulShutdown        = 30 * time.Second
	DefaultConnectionTimeout       = 30 * time.Second
	DefaultMaxRequestBodyBytes     = 32 << 20 // 32MB
	DefaultRegistryPath            = "data/mosaic.db"
	DefaultCleanupIntervalHours    = 24
	DefaultLogRetentionDays        = 30
	DefaultHealthIntervalMinutes   = 30
	DefaultHealthRetentionDays     = 7
	DefaultMaxConcurrentGroups     = 4
	DefaultCheckTimeoutSeconds     = 20
	DefaultRecoveryIntervalMinutes = 5
	DefaultQueueCapacity           = 10000
	DefaultQueueBatchSize          = 100
	DefaultProcessingIntervalMS    = 100
	DefaultQueueMaxRetries         = 3
	DefaultRetryDelayMS            = 1000
	DefaultQueueShutdownMS         = 10000
	DefaultTruncateBodyTo          = 4096
	DefaultSessionTimeoutSeconds   = 86400
)

// ApplyDefaults fills zero-valued fields with defaults. It never overrides
// a value that was set explicitly.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.GracefulShutdownTimeout == 0 {
		cfg.Server.GracefulShutdownTimeout = DefaultGracefulShutdown
	}

	if cfg.Global.ConnectionTimeout == 0 {
		cfg.Global.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.Global.MaxRequestBodyBytes == 0 {
		cfg.Global.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}

	if cfg.Storage.RegistryPath == "" {
		cfg.Storage.RegistryPath = DefaultRegistryPath
	}

	if cfg.LogCleanup.IntervalHours == 0 {
		cfg.LogCleanup.IntervalHours = DefaultCleanupIntervalHours
	}
	if cfg.LogCleanup.RetentionDays == 0 {
		cfg.LogCleanup.RetentionDays = DefaultLogRetentionDays
	}

	if cfg.HealthCheck.IntervalMinutes == 0 {
		cfg.HealthCheck.IntervalMinutes = DefaultHealthIntervalMinutes
	}
	if cfg.HealthCheck.RetentionDays == 0 {
		cfg.HealthCheck.RetentionDays = DefaultHealthRetentionDays
	}
	if cfg.HealthCheck.MaxConcurrentGroups == 0 {
		cfg.HealthCheck.MaxConcurrentGroups = DefaultMaxConcurrentGroups
	}
	if cfg.HealthCheck.CheckTimeoutSeconds == 0 {
		cfg.HealthCheck.CheckTimeoutSeconds = DefaultCheckTimeoutSeconds
	}

	if cfg.KeyHealthCheck.IntervalMinutes == 0 {
		cfg.KeyHealthCheck.IntervalMinutes = DefaultRecoveryIntervalMinutes
	}

	// An omitted queue block means async logging with the defaults, not a
	// silent fall-through to synchronous writes.
	if cfg.RequestLogging.Queue.MaxCapacity == 0 {
		cfg.RequestLogging.Queue.Enabled = true
		cfg.RequestLogging.Queue.MaxCapacity = DefaultQueueCapacity
	}
	if cfg.RequestLogging.Queue.BatchSize == 0 {
		cfg.RequestLogging.Queue.BatchSize = DefaultQueueBatchSize
	}
	if cfg.RequestLogging.Queue.ProcessingIntervalMS == 0 {
		cfg.RequestLogging.Queue.ProcessingIntervalMS = DefaultProcessingIntervalMS
	}
	if cfg.RequestLogging.Queue.MaxRetries == 0 {
		cfg.RequestLogging.Queue.MaxRetries = DefaultQueueMaxRetries
	}
	if cfg.RequestLogging.Queue.RetryDelayMS == 0 {
		cfg.RequestLogging.Queue.RetryDelayMS = DefaultRetryDelayMS
	}
	if cfg.RequestLogging.Queue.GracefulShutdownTimeoutMS == 0 {
		cfg.RequestLogging.Queue.GracefulShutdownTimeoutMS = DefaultQueueShutdownMS
	}
	if cfg.RequestLogging.Queue.FullStrategy == "" {
		cfg.RequestLogging.Queue.FullStrategy = StrategyDropOldest
	}
	if cfg.RequestLogging.TruncateBodyTo == 0 {
		cfg.RequestLogging.TruncateBodyTo = DefaultTruncateBodyTo
	}
	if cfg.RequestLogging.RetentionDays == 0 {
		cfg.RequestLogging.RetentionDays = DefaultLogRetentionDays
	}

	if cfg.Auth.SessionTimeoutSeconds == 0 {
		cfg.Auth.SessionTimeoutSeconds = DefaultSessionTimeoutSeconds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "mosaic"
	}
}
