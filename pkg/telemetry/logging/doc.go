// Package logging configures the process logger.
//
// Logs are structured (log/slog) and written to the console in JSON or text
// format. When a sink path is configured, records are additionally persisted
// to a standalone SQLite file so operators can query process history after
// the fact; the sink write path is asynchronous and never blocks request
// handling.
package logging
