package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/stagehand/internal/config"
)

// timeLayout is the fixed-width UTC format used for every timestamp column.
// Fixed width keeps lexicographic comparison equal to chronological order,
// so window queries work identically on both drivers.
const timeLayout = "2006-01-02 15:04:05.000"

// FormatTime renders a timestamp the way the store expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp back.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// DB wraps the database connection. The same store runs on SQLite for
// single-node deployments and Postgres for shared ones.
type DB struct {
	conn   *sql.DB
	driver string
	path   string
}

// DefaultDBPath returns ~/.stagehand/stagehand.db, creating the directory if
// needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".stagehand")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "stagehand.db"), nil
}

// Open opens or creates the store described by the storage config.
func Open(cfg config.StorageConfig) (*DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			var err error
			if path, err = DefaultDBPath(); err != nil {
				return nil, err
			}
		}
		return openSQLite(path)
	case "postgres":
		return openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openSQLite(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, driver: "sqlite", path: path}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, driver: "postgres"}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Driver returns the active driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Path returns the SQLite file path, empty for Postgres.
func (d *DB) Path() string {
	return d.path
}

// Rebind rewrites ? placeholders into the driver's native form. Exposed for
// packages that build their own queries over Conn().
func (d *DB) Rebind(query string) string {
	return d.rebind(query)
}

// rebind rewrites ? placeholders into the driver's native form. Queries are
// written with ? throughout; Postgres wants $1..$n.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resume_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL,
    task_id     INTEGER NOT NULL,
    workflow    TEXT NOT NULL,
    stage       TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    attempts    INTEGER NOT NULL,
    delays_ms   TEXT,
    error       TEXT,
    duration_ms INTEGER,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resume_task ON resume_events(task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_resume_stage ON resume_events(stage, success);

CREATE TABLE IF NOT EXISTS failure_analyses (
    id              TEXT PRIMARY KEY,
    workflow        TEXT NOT NULL,
    stage           TEXT NOT NULL,
    category        TEXT NOT NULL,
    severity        TEXT NOT NULL,
    root_cause      TEXT,
    error_message   TEXT,
    pattern_name    TEXT,
    confidence      REAL,
    recommendations TEXT,
    affected        INTEGER NOT NULL DEFAULT 1,
    resolved        BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at     TEXT,
    notify_count    INTEGER NOT NULL DEFAULT 0,
    last_notified   TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_unresolved ON failure_analyses(resolved, severity);
CREATE INDEX IF NOT EXISTS idx_analysis_stage ON failure_analyses(stage, created_at DESC);

CREATE TABLE IF NOT EXISTS notification_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    analysis_id TEXT,
    ntype       TEXT NOT NULL,
    channel     TEXT NOT NULL,
    severity    TEXT NOT NULL,
    outcome     TEXT NOT NULL CHECK(outcome IN ('sent','failed','suppressed')),
    detail      TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_type ON notification_log(ntype, created_at DESC);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resume_events (
    id          BIGSERIAL PRIMARY KEY,
    event_id    TEXT NOT NULL,
    task_id     INTEGER NOT NULL,
    workflow    TEXT NOT NULL,
    stage       TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    attempts    INTEGER NOT NULL,
    delays_ms   TEXT,
    error       TEXT,
    duration_ms INTEGER,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resume_task ON resume_events(task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_resume_stage ON resume_events(stage, success);

CREATE TABLE IF NOT EXISTS failure_analyses (
    id              TEXT PRIMARY KEY,
    workflow        TEXT NOT NULL,
    stage           TEXT NOT NULL,
    category        TEXT NOT NULL,
    severity        TEXT NOT NULL,
    root_cause      TEXT,
    error_message   TEXT,
    pattern_name    TEXT,
    confidence      REAL,
    recommendations TEXT,
    affected        INTEGER NOT NULL DEFAULT 1,
    resolved        BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at     TEXT,
    notify_count    INTEGER NOT NULL DEFAULT 0,
    last_notified   TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_unresolved ON failure_analyses(resolved, severity);
CREATE INDEX IF NOT EXISTS idx_analysis_stage ON failure_analyses(stage, created_at DESC);

CREATE TABLE IF NOT EXISTS notification_log (
    id          BIGSERIAL PRIMARY KEY,
    analysis_id TEXT,
    ntype       TEXT NOT NULL,
    channel     TEXT NOT NULL,
    severity    TEXT NOT NULL,
    outcome     TEXT NOT NULL CHECK(outcome IN ('sent','failed','suppressed')),
    detail      TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_type ON notification_log(ntype, created_at DESC);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow(d.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), 1).Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaSQLite
	if d.driver == "postgres" {
		schema = schemaPostgres
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Statements run one at a time; the pgx driver rejects multi-statement
	// strings under the extended protocol.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), 1, FormatTime(time.Now())); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"notification_log", "failure_analyses", "resume_events", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
