// Package config provides configuration loading, validation, and hot reload
// for the mosaic gateway.
//
// Configuration is read from a YAML file, filled in with defaults, and then
// overridden by MOSAIC_* environment variables. A process-wide singleton
// holds the active configuration; a file watcher can replace it at runtime
// without a restart.
package config
