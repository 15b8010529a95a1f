package logpipe

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const logSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,

    proxy_key_id TEXT,
    group_id TEXT NOT NULL,
    group_name TEXT NOT NULL,
    key_hash TEXT NOT NULL,

    model_requested TEXT NOT NULL DEFAULT '',
    model_resolved TEXT NOT NULL DEFAULT '',
    is_stream BOOLEAN NOT NULL DEFAULT 0,
    has_tools BOOLEAN NOT NULL DEFAULT 0,

    method TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    client_ip TEXT,
    user_agent TEXT,

    status_code INTEGER,
    duration_ms INTEGER,

    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,

    error_type TEXT,
    error_message TEXT,
    response_headers TEXT,

    request_body TEXT,
    response_body TEXT,
    content_truncated BOOLEAN NOT NULL DEFAULT 0,

    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_request_logs_request_id ON request_logs(request_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_started_at ON request_logs(started_at);
CREATE INDEX IF NOT EXISTS idx_request_logs_group ON request_logs(group_id);
`

// Store persists request logs to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the request log database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log database %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(logSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create request log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch writes new rows in one transaction.
func (s *Store) InsertBatch(ctx context.Context, records []*RequestLog) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO request_logs (
			id, request_id, started_at,
			proxy_key_id, group_id, group_name, key_hash,
			model_requested, model_resolved, is_stream, has_tools,
			method, path, client_ip, user_agent,
			status_code, duration_ms,
			prompt_tokens, completion_tokens, total_tokens,
			error_type, error_message, response_headers,
			request_body, response_body, content_truncated,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		_, err := stmt.ExecContext(ctx,
			r.ID, r.RequestID, r.StartedAt,
			nullStr(r.ProxyKeyID), r.GroupID, r.GroupName, r.KeyHash,
			r.ModelRequested, r.ModelResolved, r.IsStream, r.HasTools,
			r.Method, r.Path, nullStr(r.ClientIP), nullStr(r.UserAgent),
			nullInt(r.StatusCode), nullInt64(r.DurationMS),
			nullInt(r.PromptTokens), nullInt(r.CompletionTokens), nullInt(r.TotalTokens),
			nullStr(r.ErrorType), nullStr(r.ErrorMessage), nullStr(r.ResponseHeaders),
			nullStr(r.RequestBody), nullStr(r.ResponseBody), r.ContentTruncated,
			r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert request log %s: %w", r.RequestID, err)
		}
	}
	return tx.Commit()
}

// UpdateByRequestID completes a previously inserted row with the outcome
// fields. Zero-valued fields are left untouched so a sparse update never
// erases what the insert recorded.
func (s *Store) UpdateByRequestID(ctx context.Context, r *RequestLog) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE request_logs SET
			status_code = COALESCE(NULLIF(?, 0), status_code),
			duration_ms = COALESCE(NULLIF(?, 0), duration_ms),
			prompt_tokens = COALESCE(NULLIF(?, 0), prompt_tokens),
			completion_tokens = COALESCE(NULLIF(?, 0), completion_tokens),
			total_tokens = COALESCE(NULLIF(?, 0), total_tokens),
			error_type = COALESCE(NULLIF(?, ''), error_type),
			error_message = COALESCE(NULLIF(?, ''), error_message),
			response_headers = COALESCE(NULLIF(?, ''), response_headers),
			response_body = COALESCE(NULLIF(?, ''), response_body),
			content_truncated = content_truncated OR ?,
			updated_at = ?
		WHERE request_id = ?`,
		r.StatusCode, r.DurationMS,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.ErrorType, r.ErrorMessage, r.ResponseHeaders, r.ResponseBody,
		r.ContentTruncated,
		time.Now().UTC(), r.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to update request log %s: %w", r.RequestID, err)
	}
	return nil
}

// GetByRequestID loads one row. Mostly a test and admin convenience.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*RequestLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, started_at,
		       COALESCE(proxy_key_id, ''), group_id, group_name, key_hash,
		       model_requested, model_resolved, is_stream, has_tools,
		       method, path, COALESCE(client_ip, ''), COALESCE(user_agent, ''),
		       COALESCE(status_code, 0), COALESCE(duration_ms, 0),
		       COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0), COALESCE(total_tokens, 0),
		       COALESCE(error_type, ''), COALESCE(error_message, ''), COALESCE(response_headers, ''),
		       COALESCE(request_body, ''), COALESCE(response_body, ''), content_truncated,
		       created_at, updated_at
		FROM request_logs WHERE request_id = ?`, requestID)

	var r RequestLog
	err := row.Scan(
		&r.ID, &r.RequestID, &r.StartedAt,
		&r.ProxyKeyID, &r.GroupID, &r.GroupName, &r.KeyHash,
		&r.ModelRequested, &r.ModelResolved, &r.IsStream, &r.HasTools,
		&r.Method, &r.Path, &r.ClientIP, &r.UserAgent,
		&r.StatusCode, &r.DurationMS,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.ErrorType, &r.ErrorMessage, &r.ResponseHeaders,
		&r.RequestBody, &r.ResponseBody, &r.ContentTruncated,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteOlderThan removes rows whose request started before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
