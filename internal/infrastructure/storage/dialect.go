package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// Supported driver names, as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect hides the differences between the production Postgres store and local SQLite files.
type dialect interface {
	name() string
	placeholders() sq.PlaceholderFormat
	encodeTime(t time.Time) any
	migrations() [][]string
	schemaVersion(ctx context.Context, db *sql.DB) (int, error)
	setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error
	// ensurePartition prepares storage for rows published in the month of t.
	ensurePartition(ctx context.Context, db *sql.DB, t time.Time) error
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect{}, nil
	case DriverSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string                       { return DriverPostgres }
func (postgresDialect) placeholders() sq.PlaceholderFormat { return sq.Dollar }
func (postgresDialect) encodeTime(t time.Time) any         { return t.UTC() }

func (postgresDialect) migrations() [][]string {
	return [][]string{{
		`CREATE TABLE IF NOT EXISTS content_records (
		  id                      TEXT NOT NULL,
		  platform                TEXT NOT NULL,
		  arena                   TEXT NOT NULL,
		  content_type            TEXT NOT NULL,
		  scope                   TEXT NOT NULL,
		  text_content            TEXT,
		  title                   TEXT,
		  url                     TEXT,
		  normalized_url          TEXT,
		  published_at            TIMESTAMPTZ NOT NULL,
		  collected_at            TIMESTAMPTZ NOT NULL,
		  author_platform_id      TEXT,
		  pseudonymized_author_id TEXT,
		  author_display_name     TEXT,
		  author_is_public_figure BOOLEAN NOT NULL DEFAULT FALSE,
		  views                   BIGINT,
		  likes                   BIGINT,
		  shares                  BIGINT,
		  comments                BIGINT,
		  content_hash            TEXT NOT NULL,
		  simhash                 BIGINT,
		  language                TEXT NOT NULL,
		  language_source         TEXT NOT NULL,
		  search_terms            JSONB,
		  raw_metadata            JSONB,
		  duplicate_of            TEXT,
		  dedup_incomplete        BOOLEAN NOT NULL DEFAULT FALSE,
		  PRIMARY KEY (id, published_at)
		) PARTITION BY RANGE (published_at)`,
		`CREATE TABLE IF NOT EXISTS content_records_default PARTITION OF content_records DEFAULT`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_hash ON content_records (content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_url ON content_records (normalized_url)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_author ON content_records (pseudonymized_author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_scope_published ON content_records (scope, published_at)`,
		`CREATE TABLE IF NOT EXISTS content_identity (
		  platform     TEXT NOT NULL,
		  content_hash TEXT NOT NULL,
		  scope        TEXT NOT NULL,
		  record_id    TEXT NOT NULL,
		  published_at TIMESTAMPTZ NOT NULL,
		  PRIMARY KEY (platform, content_hash, scope)
		)`,
	}}
}

func (postgresDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	  version    INTEGER PRIMARY KEY,
	  applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (postgresDialect) setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, version)
	return err
}

func (postgresDialect) ensurePartition(ctx context.Context, db *sql.DB, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	table := pq.QuoteIdentifier(fmt.Sprintf("content_records_%04d_%02d", start.Year(), int(start.Month())))
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF content_records FOR VALUES FROM (%s) TO (%s)`,
		table,
		pq.QuoteLiteral(start.Format(time.RFC3339)),
		pq.QuoteLiteral(end.Format(time.RFC3339)),
	)
	_, err := db.ExecContext(ctx, stmt)
	return err
}

type sqliteDialect struct{}

func (sqliteDialect) name() string                       { return DriverSQLite }
func (sqliteDialect) placeholders() sq.PlaceholderFormat { return sq.Question }
func (sqliteDialect) encodeTime(t time.Time) any         { return t.UTC().UnixMilli() }

func (sqliteDialect) migrations() [][]string {
	return [][]string{{
		`CREATE TABLE IF NOT EXISTS content_records (
		  id                      TEXT NOT NULL,
		  platform                TEXT NOT NULL,
		  arena                   TEXT NOT NULL,
		  content_type            TEXT NOT NULL,
		  scope                   TEXT NOT NULL,
		  text_content            TEXT,
		  title                   TEXT,
		  url                     TEXT,
		  normalized_url          TEXT,
		  published_at            INTEGER NOT NULL,
		  collected_at            INTEGER NOT NULL,
		  author_platform_id      TEXT,
		  pseudonymized_author_id TEXT,
		  author_display_name     TEXT,
		  author_is_public_figure INTEGER NOT NULL DEFAULT 0,
		  views                   INTEGER,
		  likes                   INTEGER,
		  shares                  INTEGER,
		  comments                INTEGER,
		  content_hash            TEXT NOT NULL,
		  simhash                 INTEGER,
		  language                TEXT NOT NULL,
		  language_source         TEXT NOT NULL,
		  search_terms            TEXT,
		  raw_metadata            TEXT,
		  duplicate_of            TEXT,
		  dedup_incomplete        INTEGER NOT NULL DEFAULT 0,
		  PRIMARY KEY (id, published_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_hash ON content_records (content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_url ON content_records (normalized_url)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_author ON content_records (pseudonymized_author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_content_records_scope_published ON content_records (scope, published_at)`,
		`CREATE TABLE IF NOT EXISTS content_identity (
		  platform     TEXT NOT NULL,
		  content_hash TEXT NOT NULL,
		  scope        TEXT NOT NULL,
		  record_id    TEXT NOT NULL,
		  published_at INTEGER NOT NULL,
		  PRIMARY KEY (platform, content_hash, scope)
		)`,
	}}
}

func (sqliteDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

func (sqliteDialect) setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d`, version))
	return err
}

func (sqliteDialect) ensurePartition(context.Context, *sql.DB, time.Time) error { return nil }

// sqliteDSN adds the busy timeout and WAL pragmas unless the caller already set pragmas.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// timeValue scans either a native timestamp or unix milliseconds.
type timeValue struct {
	t *time.Time
}

func (v timeValue) Scan(src any) error {
	switch x := src.(type) {
	case time.Time:
		*v.t = x.UTC()
	case int64:
		*v.t = time.UnixMilli(x).UTC()
	case []byte:
		return v.parse(string(x))
	case string:
		return v.parse(x)
	case nil:
		*v.t = time.Time{}
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (v timeValue) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	*v.t = t.UTC()
	return nil
}
