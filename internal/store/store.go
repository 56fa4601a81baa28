package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour used for DDL and parameter binding.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store persists isolation state, the isolation log, agent baselines and
// API keys. Queries are written with $n placeholders and rebound for SQLite.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects using a URL. postgres:// and postgresql:// go through pgx;
// sqlite:// (or a bare file path ending in .db) goes through modernc SQLite.
func Open(ctx context.Context, url string) (*Store, error) {
	driver, dsn, dialect, err := parseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := NewStore(db, dialect)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return s, nil
}

func parseURL(url string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, DialectPostgres, nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", sqliteDSN(strings.TrimPrefix(url, "sqlite://")), DialectSQLite, nil
	case strings.HasSuffix(url, ".db"), strings.HasPrefix(url, "file:"):
		return "sqlite", sqliteDSN(url), DialectSQLite, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url %q", url)
	}
}

func sqliteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == DialectSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_isolation (
		agent_id     TEXT PRIMARY KEY,
		isolated     BOOLEAN NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		isolated_at  BIGINT NOT NULL DEFAULT 0,
		expires_at   BIGINT NOT NULL DEFAULT 0,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_isolation_isolated ON agent_isolation (isolated)`,
	`CREATE TABLE IF NOT EXISTS isolation_log (
		id          BIGSERIAL PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		event       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_isolation_log_agent ON isolation_log (agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_baselines (
		agent_id    TEXT PRIMARY KEY,
		centroid    TEXT NOT NULL,
		samples     BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		role        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		key_prefix  TEXT NOT NULL UNIQUE,
		created_at  BIGINT NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_isolation (
		agent_id     TEXT PRIMARY KEY,
		isolated     INTEGER NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		isolated_at  INTEGER NOT NULL DEFAULT 0,
		expires_at   INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_isolation_isolated ON agent_isolation (isolated)`,
	`CREATE TABLE IF NOT EXISTS isolation_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id    TEXT NOT NULL,
		event       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_isolation_log_agent ON isolation_log (agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_baselines (
		agent_id    TEXT PRIMARY KEY,
		centroid    TEXT NOT NULL,
		samples     INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		role        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		key_prefix  TEXT NOT NULL UNIQUE,
		created_at  INTEGER NOT NULL,
		revoked     INTEGER NOT NULL DEFAULT 0
	)`,
}

// q rebinds $n placeholders to ?n for SQLite. Postgres queries pass through.
func (s *Store) q(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
