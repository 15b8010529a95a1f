package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const sinkSchema = `
CREATE TABLE IF NOT EXISTS process_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TIMESTAMP NOT NULL,
    level TEXT NOT NULL,
    rendered_message TEXT NOT NULL,
    exception TEXT,
    properties TEXT
);
CREATE INDEX IF NOT EXISTS idx_process_logs_timestamp ON process_logs(timestamp);
`

// sinkBuffer is the size of the async write channel. Records beyond it are
// dropped rather than blocking the caller.
const sinkBuffer = 4096

// SQLiteSink persists slog records to a standalone SQLite file with a
// (timestamp, level, rendered_message, exception, properties) schema.
// Writes are asynchronous: Handle enqueues and a background worker batches
// inserts, so logging never blocks on disk I/O.
type SQLiteSink struct {
	db      *sql.DB
	level   slog.Level
	entries chan sinkEntry
	dropped atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
	attrs   []slog.Attr
	group   string
}

type sinkEntry struct {
	timestamp time.Time
	level     string
	message   string
	exception string
	props     string
}

// NewSQLiteSink opens (creating if needed) the log sink database and starts
// the background writer.
func NewSQLiteSink(path string, level slog.Level) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink %q: %w", path, err)
	}

	// A single writer keeps SQLite happy without WAL contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sinkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create log sink schema: %w", err)
	}

	s := &SQLiteSink{
		db:      db,
		level:   level,
		entries: make(chan sinkEntry, sinkBuffer),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runWriter()

	return s, nil
}

// Enabled implements slog.Handler.
func (s *SQLiteSink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.level
}

// Handle implements slog.Handler. The record is enqueued for async writing;
// when the queue is full the record is counted as dropped and discarded.
func (s *SQLiteSink) Handle(_ context.Context, record slog.Record) error {
	entry := s.render(record)

	select {
	case s.entries <- entry:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (s *SQLiteSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.attrs = append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler.
func (s *SQLiteSink) WithGroup(name string) slog.Handler {
	clone := *s
	if clone.group != "" {
		clone.group += "."
	}
	clone.group += name
	return &clone
}

// render flattens a record into a sink entry. The "error" attribute, if
// present, goes into the exception column; everything else is collected
// into the properties JSON object.
func (s *SQLiteSink) render(record slog.Record) sinkEntry {
	props := make(map[string]any, record.NumAttrs()+len(s.attrs))
	var exception string

	collect := func(a slog.Attr) {
		key := a.Key
		if s.group != "" {
			key = s.group + "." + key
		}
		if key == "error" || key == "exception" {
			exception = fmt.Sprint(a.Value.Any())
			return
		}
		props[key] = a.Value.Any()
	}

	for _, a := range s.attrs {
		collect(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	propsJSON := ""
	if len(props) > 0 {
		if b, err := json.Marshal(props); err == nil {
			propsJSON = string(b)
		}
	}

	return sinkEntry{
		timestamp: record.Time,
		level:     record.Level.String(),
		message:   record.Message,
		exception: exception,
		props:     propsJSON,
	}
}

// runWriter drains the entry channel and writes batches to the database.
func (s *SQLiteSink) runWriter() {
	defer s.wg.Done()

	for {
		select {
		case entry := <-s.entries:
			s.writeBatch(entry)

		case <-s.done:
			for {
				select {
				case entry := <-s.entries:
					s.writeBatch(entry)
				default:
					return
				}
			}
		}
	}
}

// writeBatch writes the given entry plus whatever else is already queued in
// one transaction.
func (s *SQLiteSink) writeBatch(first sinkEntry) {
	batch := []sinkEntry{first}
	for len(batch) < 256 {
		select {
		case entry := <-s.entries:
			batch = append(batch, entry)
		default:
			goto flush
		}
	}
flush:
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO process_logs (timestamp, level, rendered_message, exception, properties) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return
	}
	for _, e := range batch {
		var exception, props any
		if e.exception != "" {
			exception = e.exception
		}
		if e.props != "" {
			props = e.props
		}
		stmt.Exec(e.timestamp, e.level, e.message, exception, props)
	}
	stmt.Close()
	tx.Commit()
}

// DeleteOlderThan removes sink rows older than the cutoff and returns how
// many were deleted. The cleanup worker calls this on the retention horizon.
func (s *SQLiteSink) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after deletions.
func (s *SQLiteSink) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Dropped returns the number of records discarded because the queue was full.
func (s *SQLiteSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains pending entries and closes the database.
func (s *SQLiteSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
