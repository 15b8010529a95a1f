package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"mosaic-hq/mosaic/pkg/config"
)

// LogFormat represents the output format for logs.
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON LogFormat = "json"
	// FormatText outputs logs in plain text format.
	FormatText LogFormat = "text"
)

// Options contains settings for Setup beyond what config carries.
type Options struct {
	// Writer is the console output writer (defaults to os.Stdout).
	Writer io.Writer

	// SinkPath is the SQLite file for the persistent log sink.
	// Empty disables the sink.
	SinkPath string
}

// Setup builds the process logger from configuration and installs it as the
// slog default. When a sink path is configured, every record is also
// persisted to the SQLite log sink; the returned sink must be closed on
// shutdown to flush pending writes (it is nil when no sink is configured).
func Setup(cfg config.LoggingConfig, opts Options) (*slog.Logger, *SQLiteSink, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log format: %w", err)
	}

	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var console slog.Handler
	switch format {
	case FormatText:
		console = slog.NewTextHandler(writer, handlerOpts)
	default:
		console = slog.NewJSONHandler(writer, handlerOpts)
	}

	var sink *SQLiteSink
	handler := console
	if opts.SinkPath != "" {
		sink, err = NewSQLiteSink(opts.SinkPath, level)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log sink: %w", err)
		}
		handler = NewTeeHandler(console, sink)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, sink, nil
}

// parseLevel parses a log level string into slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "debug", "DEBUG":
		return slog.LevelDebug, nil
	case "info", "INFO", "":
		return slog.LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn, nil
	case "error", "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// parseFormat parses a log format string into LogFormat.
func parseFormat(formatStr string) (LogFormat, error) {
	switch formatStr {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format: %s", formatStr)
	}
}
