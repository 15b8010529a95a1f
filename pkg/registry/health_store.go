package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ValidationRecord is the persisted check state for one target: a key, a
// model, or the provider endpoint itself.
//
// Invariant: ConsecutiveFailures == 0 exactly when the last success is more
// recent than the last failure (or no failure was ever seen).
type ValidationRecord struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalChecks         int        `json:"total_checks"`
	SuccessfulChecks    int        `json:"successful_checks"`
	LastStatusCode      int        `json:"last_status_code,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	AvgResponseMS       float64    `json:"avg_response_ms"`
}

// HealthResult is one probe or live-traffic outcome worth persisting.
type HealthResult struct {
	GroupID    string
	TargetKind string // "key", "model", "provider"
	Target     string // key hash, model id, or base URL
	Success    bool
	StatusCode int
	ResponseMS int64
	Error      string
	CheckedAt  time.Time
}

const validationUpsert = `
	INSERT INTO %s (%s, consecutive_failures, total_checks, successful_checks,
		last_status_code, last_checked_at, last_success_at, last_failure_at, avg_response_ms)
	VALUES (%s, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(%s) DO UPDATE SET
		consecutive_failures = excluded.consecutive_failures,
		total_checks = excluded.total_checks,
		successful_checks = excluded.successful_checks,
		last_status_code = excluded.last_status_code,
		last_checked_at = excluded.last_checked_at,
		last_success_at = excluded.last_success_at,
		last_failure_at = excluded.last_failure_at,
		avg_response_ms = excluded.avg_response_ms`

// UpsertKeyValidation writes the check state for one (group, key hash) pair.
func (s *Store) UpsertKeyValidation(ctx context.Context, groupID, keyHash string, rec *ValidationRecord) error {
	query := fmt.Sprintf(validationUpsert, "key_validation", "group_id, key_hash", "?, ?", "group_id, key_hash")
	return s.execValidation(ctx, query, []any{groupID, keyHash}, rec)
}

// UpsertModelValidation writes the check state for one (group, model) pair.
func (s *Store) UpsertModelValidation(ctx context.Context, groupID, model string, rec *ValidationRecord) error {
	query := fmt.Sprintf(validationUpsert, "model_validation", "group_id, model", "?, ?", "group_id, model")
	return s.execValidation(ctx, query, []any{groupID, model}, rec)
}

// UpsertProviderValidation writes the check state for a group's endpoint.
func (s *Store) UpsertProviderValidation(ctx context.Context, groupID string, rec *ValidationRecord) error {
	query := fmt.Sprintf(validationUpsert, "provider_validation", "group_id", "?", "group_id")
	return s.execValidation(ctx, query, []any{groupID}, rec)
}

func (s *Store) execValidation(ctx context.Context, query string, keyArgs []any, rec *ValidationRecord) error {
	args := append(keyArgs,
		rec.ConsecutiveFailures, rec.TotalChecks, rec.SuccessfulChecks,
		nullableInt(rec.LastStatusCode), rec.LastCheckedAt, rec.LastSuccessAt, rec.LastFailureAt,
		rec.AvgResponseMS,
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert validation state: %w", err)
	}
	return nil
}

// KeyValidation loads all persisted key check state for a group, keyed by
// key hash.
func (s *Store) KeyValidation(ctx context.Context, groupID string) (map[string]*ValidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_hash, consecutive_failures, total_checks, successful_checks,
		       last_status_code, last_checked_at, last_success_at, last_failure_at, avg_response_ms
		FROM key_validation WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load key validation: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ValidationRecord)
	for rows.Next() {
		var hash string
		rec, err := scanValidation(rows, &hash)
		if err != nil {
			return nil, err
		}
		out[hash] = rec
	}
	return out, rows.Err()
}

// ModelValidation loads all persisted model check state for a group, keyed
// by model id.
func (s *Store) ModelValidation(ctx context.Context, groupID string) (map[string]*ValidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, consecutive_failures, total_checks, successful_checks,
		       last_status_code, last_checked_at, last_success_at, last_failure_at, avg_response_ms
		FROM model_validation WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model validation: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ValidationRecord)
	for rows.Next() {
		var model string
		rec, err := scanValidation(rows, &model)
		if err != nil {
			return nil, err
		}
		out[model] = rec
	}
	return out, rows.Err()
}

// ProviderValidation loads the persisted endpoint check state for a group.
// A group with no recorded checks returns nil without error.
func (s *Store) ProviderValidation(ctx context.Context, groupID string) (*ValidationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, consecutive_failures, total_checks, successful_checks,
		       last_status_code, last_checked_at, last_success_at, last_failure_at, avg_response_ms
		FROM provider_validation WHERE group_id = ?`, groupID)

	var id string
	rec, err := scanValidation(row, &id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider validation: %w", err)
	}
	return rec, nil
}

func scanValidation(row rowScanner, key *string) (*ValidationRecord, error) {
	var rec ValidationRecord
	var status sql.NullInt64
	err := row.Scan(key,
		&rec.ConsecutiveFailures, &rec.TotalChecks, &rec.SuccessfulChecks,
		&status, &rec.LastCheckedAt, &rec.LastSuccessAt, &rec.LastFailureAt,
		&rec.AvgResponseMS,
	)
	if err != nil {
		return nil, err
	}
	if status.Valid {
		rec.LastStatusCode = int(status.Int64)
	}
	return &rec, nil
}

// InsertHealthResult appends one probe outcome to the event log.
func (s *Store) InsertHealthResult(ctx context.Context, r *HealthResult) error {
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_check_results (group_id, target_kind, target, success, status_code, response_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GroupID, r.TargetKind, r.Target, r.Success, nullableInt(r.StatusCode), r.ResponseMS, errText, r.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health result: %w", err)
	}
	return nil
}

// DeleteHealthResultsBefore prunes probe outcomes older than the cutoff and
// returns how many rows were removed.
func (s *Store) DeleteHealthResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_check_results WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune health results: %w", err)
	}
	return res.RowsAffected()
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
