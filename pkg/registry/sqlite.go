package registry

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// maxKeyLength bounds a single API key entry on batch import.
const maxKeyLength = 4096

// SQLiteConfig contains configuration for the SQLite registry backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/registry.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// Store is the SQLite-backed registry of groups, API keys, proxy keys, and
// validation state. All reads return copies: callers never share mutable
// state with the store.
// HealthEvictor receives removal notifications so in-memory health state
// never outlives the key or group it describes.
type HealthEvictor interface {
	ForgetKey(groupID, keyHash string)
	ForgetGroup(groupID string)
}

type Store struct {
	db      *sql.DB
	config  *SQLiteConfig
	logger  *slog.Logger
	evictor HealthEvictor
}

// SetHealthEvictor registers the evictor notified on key and group
// removal. Set it during wiring, before the store is shared.
func (s *Store) SetHealthEvictor(e HealthEvictor) {
	s.evictor = e
}

// NewStore opens (creating if needed) the registry database and initializes
// the schema.
func NewStore(config *SQLiteConfig) (*Store, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "registry.store")

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database %q: %w", config.Path, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &Store{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("registry store initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
	)

	return s, nil
}

// initialize sets up the database schema and enables WAL mode.
func (s *Store) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	busyTimeoutMs := s.config.BusyTimeout.Milliseconds()
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMs)); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create registry schema: %w", err)
	}

	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	var version int
	if err := s.db.QueryRow(GetSchemaVersion).Scan(&version); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("registry schema version mismatch: expected %d, got %d", SchemaVersion, version)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for sibling stores that share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// validateGroup enforces structural rules before a group reaches storage.
func validateGroup(g *Group) error {
	if strings.TrimSpace(g.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !g.ProviderKind.Valid() {
		return &ValidationError{Field: "provider_kind", Reason: fmt.Sprintf("unknown kind %q", g.ProviderKind)}
	}
	if g.BaseURL == "" || !(strings.HasPrefix(g.BaseURL, "http://") || strings.HasPrefix(g.BaseURL, "https://")) {
		return &ValidationError{Field: "base_url", Reason: "must be an absolute http(s) URL"}
	}
	if g.Policy != "" && !g.Policy.Valid() {
		return &ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown policy %q", g.Policy)}
	}
	for i, k := range g.APIKeys {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "api_keys", Reason: fmt.Sprintf("entry %d is empty", i)}
		}
	}
	for alias, target := range g.ModelAliases {
		if alias == "" || target == "" {
			return &ValidationError{Field: "model_aliases", Reason: "alias and target must be non-empty"}
		}
	}
	return nil
}

// CreateGroup inserts a new group. A missing ID is generated; the name must
// be unique among non-deleted groups.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Policy == "" {
		g.Policy = PolicyRoundRobin
	}
	g.BaseURL = strings.TrimSuffix(g.BaseURL, "/")

	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	apiKeys, models, aliases, proxyCfg, headers, err := marshalGroupJSON(g)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (
			id, name, provider_kind, base_url,
			api_keys, models, model_aliases, proxy_config, extra_headers,
			enabled, health_check_enabled, timeout_seconds, max_retries,
			connect_timeout_seconds, policy, deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		g.ID, g.Name, string(g.ProviderKind), g.BaseURL,
		apiKeys, models, aliases, proxyCfg, headers,
		g.Enabled, g.HealthCheckEnabled, g.TimeoutSeconds, g.MaxRetries,
		g.ConnectTimeoutSeconds, string(g.Policy), g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Kind: "group", Field: "name", Value: g.Name, Reason: "name already in use"}
		}
		return fmt.Errorf("failed to insert group: %w", err)
	}

	s.logger.Info("group created", "group_id", g.ID, "name", g.Name, "provider_kind", g.ProviderKind)
	return nil
}

// UpdateGroup replaces a group's mutable fields. The group must exist and
// not be deleted.
func (s *Store) UpdateGroup(ctx context.Context, g *Group) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	g.BaseURL = strings.TrimSuffix(g.BaseURL, "/")
	g.UpdatedAt = time.Now().UTC()

	apiKeys, models, aliases, proxyCfg, headers, err := marshalGroupJSON(g)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET
			name = ?, provider_kind = ?, base_url = ?,
			api_keys = ?, models = ?, model_aliases = ?, proxy_config = ?, extra_headers = ?,
			enabled = ?, health_check_enabled = ?, timeout_seconds = ?, max_retries = ?,
			connect_timeout_seconds = ?, policy = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		g.Name, string(g.ProviderKind), g.BaseURL,
		apiKeys, models, aliases, proxyCfg, headers,
		g.Enabled, g.HealthCheckEnabled, g.TimeoutSeconds, g.MaxRetries,
		g.ConnectTimeoutSeconds, string(g.Policy), g.UpdatedAt,
		g.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Kind: "group", Field: "name", Value: g.Name, Reason: "name already in use"}
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "group", ID: g.ID}
	}
	return nil
}

// DeleteGroup soft-deletes a group and removes its validation state. A
// second delete of the same group reports not found.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE groups SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "group", ID: id}
	}

	// Validation state has no meaning for an invisible group.
	for _, q := range []string{
		`DELETE FROM key_validation WHERE group_id = ?`,
		`DELETE FROM model_validation WHERE group_id = ?`,
		`DELETE FROM provider_validation WHERE group_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to clear validation state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	if s.evictor != nil {
		s.evictor.ForgetGroup(id)
	}
	s.logger.Info("group deleted", "group_id", id)
	return nil
}

// GetGroup returns a non-deleted group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	return s.getGroupWhere(ctx, "id = ?", id)
}

// GetGroupByName returns a non-deleted group by name.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	return s.getGroupWhere(ctx, "name = ?", name)
}

func (s *Store) getGroupWhere(ctx context.Context, where string, arg any) (*Group, error) {
	row := s.db.QueryRowContext(ctx, groupSelect+` WHERE deleted = 0 AND `+where, arg)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "group", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	return g, nil
}

// ListGroups returns all non-deleted groups ordered by creation time.
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, groupSelect+` WHERE deleted = 0 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddKeys appends raw keys to a group, skipping duplicates already present.
// Empty and oversize entries are reported in the result rather than
// aborting the batch.
func (s *Store) AddKeys(ctx context.Context, groupID string, keys []string) (*BatchAddResult, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(g.APIKeys))
	for _, k := range g.APIKeys {
		existing[k] = true
	}

	result := &BatchAddResult{}
	for i, raw := range keys {
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: empty key", i))
		case len(trimmed) > maxKeyLength:
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: key exceeds %d bytes", i, maxKeyLength))
		case existing[trimmed]:
			result.Skipped++
		default:
			existing[trimmed] = true
			g.APIKeys = append(g.APIKeys, trimmed)
			result.Added++
		}
	}

	if result.Added > 0 {
		if err := s.UpdateGroup(ctx, g); err != nil {
			return nil, err
		}
	}

	s.logger.Info("keys added",
		"group_id", groupID,
		"added", result.Added,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

// RemoveKey deletes the key with the given hash from a group, along with
// its validation state.
func (s *Store) RemoveKey(ctx context.Context, groupID, keyHash string) error {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	kept := g.APIKeys[:0]
	found := false
	for _, raw := range g.APIKeys {
		if HashKey(raw) == keyHash {
			found = true
			continue
		}
		kept = append(kept, raw)
	}
	if !found {
		return &NotFoundError{Kind: "key", ID: keyHash}
	}
	g.APIKeys = kept

	if err := s.UpdateGroup(ctx, g); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM key_validation WHERE group_id = ? AND key_hash = ?`, groupID, keyHash,
	); err != nil {
		return fmt.Errorf("failed to clear key validation: %w", err)
	}
	if s.evictor != nil {
		s.evictor.ForgetKey(groupID, keyHash)
	}
	return nil
}

// ClearInvalidKeys removes every key in the group whose last recorded
// status code is 401 and returns the removed key hashes.
func (s *Store) ClearInvalidKeys(ctx context.Context, groupID string) ([]string, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key_hash FROM key_validation WHERE group_id = ? AND last_status_code = 401`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query invalid keys: %w", err)
	}
	invalid := make(map[string]bool)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return nil, err
		}
		invalid[hash] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var removed []string
	kept := g.APIKeys[:0]
	for _, raw := range g.APIKeys {
		hash := HashKey(raw)
		if invalid[hash] {
			removed = append(removed, hash)
			continue
		}
		kept = append(kept, raw)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	g.APIKeys = kept

	if err := s.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}
	for _, hash := range removed {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM key_validation WHERE group_id = ? AND key_hash = ?`, groupID, hash,
		); err != nil {
			return nil, fmt.Errorf("failed to clear key validation: %w", err)
		}
	}

	if s.evictor != nil {
		for _, hash := range removed {
			s.evictor.ForgetKey(groupID, hash)
		}
	}
	s.logger.Info("invalid keys cleared", "group_id", groupID, "removed", len(removed))
	return removed, nil
}

// CreateProxyKey inserts a new client-facing credential. A missing ID is
// generated; the secret must be unique.
func (s *Store) CreateProxyKey(ctx context.Context, pk *ProxyKey) error {
	if strings.TrimSpace(pk.Secret) == "" {
		return &ValidationError{Field: "secret", Reason: "must not be empty"}
	}
	if pk.ID == "" {
		pk.ID = uuid.NewString()
	}
	pk.CreatedAt = time.Now().UTC()

	var allowed any
	if len(pk.AllowedGroups) > 0 {
		b, err := json.Marshal(pk.AllowedGroups)
		if err != nil {
			return fmt.Errorf("failed to marshal allowed groups: %w", err)
		}
		allowed = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_keys (id, secret, secret_hash, name, enabled, allowed_groups, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pk.ID, pk.Secret, HashKey(pk.Secret), pk.Name, pk.Enabled, allowed, pk.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Kind: "proxy key", Field: "secret", Value: MaskKey(pk.Secret), Reason: "secret already in use"}
		}
		return fmt.Errorf("failed to insert proxy key: %w", err)
	}
	return nil
}

// ProxyKeyBySecret authenticates a presented secret. The lookup goes by
// hash and the stored secret is compared in constant time, so a miss and a
// near-miss are indistinguishable to the caller.
func (s *Store) ProxyKeyBySecret(ctx context.Context, secret string) (*ProxyKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret, name, enabled, allowed_groups, created_at
		FROM proxy_keys WHERE secret_hash = ?`, HashKey(secret),
	)

	pk, err := scanProxyKey(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "proxy key", ID: MaskKey(secret)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy key: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(pk.Secret), []byte(secret)) != 1 {
		return nil, &NotFoundError{Kind: "proxy key", ID: MaskKey(secret)}
	}
	return pk, nil
}

// ListProxyKeys returns all proxy keys.
func (s *Store) ListProxyKeys(ctx context.Context) ([]*ProxyKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, secret, name, enabled, allowed_groups, created_at
		FROM proxy_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy keys: %w", err)
	}
	defer rows.Close()

	var out []*ProxyKey
	for rows.Next() {
		pk, err := scanProxyKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// DeleteProxyKey removes a proxy key by id.
func (s *Store) DeleteProxyKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete proxy key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "proxy key", ID: id}
	}
	return nil
}

const groupSelect = `
	SELECT id, name, provider_kind, base_url,
	       api_keys, models, model_aliases, proxy_config, extra_headers,
	       enabled, health_check_enabled, timeout_seconds, max_retries,
	       connect_timeout_seconds, policy, deleted, created_at, updated_at
	FROM groups`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var kind, policy string
	var apiKeys, models string
	var aliases, proxyCfg, headers sql.NullString
	err := row.Scan(
		&g.ID, &g.Name, &kind, &g.BaseURL,
		&apiKeys, &models, &aliases, &proxyCfg, &headers,
		&g.Enabled, &g.HealthCheckEnabled, &g.TimeoutSeconds, &g.MaxRetries,
		&g.ConnectTimeoutSeconds, &policy, &g.Deleted, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.ProviderKind = ProviderKind(kind)
	g.Policy = SelectionPolicy(policy)

	if err := json.Unmarshal([]byte(apiKeys), &g.APIKeys); err != nil {
		return nil, fmt.Errorf("corrupt api_keys for group %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(models), &g.Models); err != nil {
		return nil, fmt.Errorf("corrupt models for group %s: %w", g.ID, err)
	}
	if aliases.Valid && aliases.String != "" {
		if err := json.Unmarshal([]byte(aliases.String), &g.ModelAliases); err != nil {
			return nil, fmt.Errorf("corrupt model_aliases for group %s: %w", g.ID, err)
		}
	}
	if proxyCfg.Valid && proxyCfg.String != "" {
		var pc ProxyConfig
		if err := json.Unmarshal([]byte(proxyCfg.String), &pc); err != nil {
			return nil, fmt.Errorf("corrupt proxy_config for group %s: %w", g.ID, err)
		}
		g.Proxy = &pc
	}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &g.ExtraHeaders); err != nil {
			return nil, fmt.Errorf("corrupt extra_headers for group %s: %w", g.ID, err)
		}
	}
	return &g, nil
}

func scanProxyKey(row rowScanner) (*ProxyKey, error) {
	var (
		pk      ProxyKey
		allowed sql.NullString
	)
	err := row.Scan(&pk.ID, &pk.Secret, &pk.Name, &pk.Enabled, &allowed, &pk.CreatedAt)
	if err != nil {
		return nil, err
	}
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &pk.AllowedGroups); err != nil {
			return nil, fmt.Errorf("corrupt allowed_groups for proxy key %s: %w", pk.ID, err)
		}
	}
	return &pk, nil
}

func marshalGroupJSON(g *Group) (apiKeys, models string, aliases, proxyCfg, headers any, err error) {
	if g.APIKeys == nil {
		g.APIKeys = []string{}
	}
	if g.Models == nil {
		g.Models = []string{}
	}

	b, err := json.Marshal(g.APIKeys)
	if err != nil {
		return "", "", nil, nil, nil, fmt.Errorf("failed to marshal api_keys: %w", err)
	}
	apiKeys = string(b)

	b, err = json.Marshal(g.Models)
	if err != nil {
		return "", "", nil, nil, nil, fmt.Errorf("failed to marshal models: %w", err)
	}
	models = string(b)

	if len(g.ModelAliases) > 0 {
		b, err = json.Marshal(g.ModelAliases)
		if err != nil {
			return "", "", nil, nil, nil, fmt.Errorf("failed to marshal model_aliases: %w", err)
		}
		aliases = string(b)
	}
	if g.Proxy != nil {
		b, err = json.Marshal(g.Proxy)
		if err != nil {
			return "", "", nil, nil, nil, fmt.Errorf("failed to marshal proxy_config: %w", err)
		}
		proxyCfg = string(b)
	}
	if len(g.ExtraHeaders) > 0 {
		b, err = json.Marshal(g.ExtraHeaders)
		if err != nil {
			return "", "", nil, nil, nil, fmt.Errorf("failed to marshal extra_headers: %w", err)
		}
		headers = string(b)
	}
	return apiKeys, models, aliases, proxyCfg, headers, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
