package registry

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the registry database schema.
const Schema = `
-- Provider groups
CREATE TABLE IF NOT EXISTS groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider_kind TEXT NOT NULL,
    base_url TEXT NOT NULL,

    -- JSON columns
    api_keys TEXT NOT NULL,
    models TEXT NOT NULL,
    model_aliases TEXT,
    proxy_config TEXT,
    extra_headers TEXT,

    enabled BOOLEAN NOT NULL DEFAULT 1,
    health_check_enabled BOOLEAN NOT NULL DEFAULT 1,
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    connect_timeout_seconds INTEGER NOT NULL DEFAULT 0,
    policy TEXT NOT NULL DEFAULT 'round_robin',

    deleted BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_deleted ON groups(deleted);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_name_live ON groups(name) WHERE deleted = 0;

-- Client-facing proxy keys
CREATE TABLE IF NOT EXISTS proxy_keys (
    id TEXT PRIMARY KEY,
    secret TEXT NOT NULL,
    secret_hash TEXT NOT NULL,
    name TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    allowed_groups TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_proxy_keys_hash ON proxy_keys(secret_hash);

-- Per-key validation state, keyed by (group, key hash)
CREATE TABLE IF NOT EXISTS key_validation (
    group_id TEXT NOT NULL,
    key_hash TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    total_checks INTEGER NOT NULL DEFAULT 0,
    successful_checks INTEGER NOT NULL DEFAULT 0,
    last_status_code INTEGER,
    last_checked_at TIMESTAMP,
    last_success_at TIMESTAMP,
    last_failure_at TIMESTAMP,
    avg_response_ms REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, key_hash)
);

-- Per-model probe state, keyed by (group, model)
CREATE TABLE IF NOT EXISTS model_validation (
    group_id TEXT NOT NULL,
    model TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    total_checks INTEGER NOT NULL DEFAULT 0,
    successful_checks INTEGER NOT NULL DEFAULT 0,
    last_status_code INTEGER,
    last_checked_at TIMESTAMP,
    last_success_at TIMESTAMP,
    last_failure_at TIMESTAMP,
    avg_response_ms REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, model)
);

-- Per-group provider reachability
CREATE TABLE IF NOT EXISTS provider_validation (
    group_id TEXT PRIMARY KEY,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    total_checks INTEGER NOT NULL DEFAULT 0,
    successful_checks INTEGER NOT NULL DEFAULT 0,
    last_status_code INTEGER,
    last_checked_at TIMESTAMP,
    last_success_at TIMESTAMP,
    last_failure_at TIMESTAMP,
    avg_response_ms REAL NOT NULL DEFAULT 0
);

-- Individual probe outcomes, pruned on a retention horizon
CREATE TABLE IF NOT EXISTS health_check_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id TEXT NOT NULL,
    target_kind TEXT NOT NULL,
    target TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    status_code INTEGER,
    response_ms INTEGER NOT NULL,
    error TEXT,
    checked_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_health_results_checked_at ON health_check_results(checked_at);
CREATE INDEX IF NOT EXISTS idx_health_results_group ON health_check_results(group_id);

-- Schema versioning
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InsertSchemaVersion records the schema version on first initialization.
const InsertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`

// GetSchemaVersion retrieves the highest applied schema version.
const GetSchemaVersion = `SELECT MAX(version) FROM schema_version`
