// Package store provides durable storage for conversation contexts, the
// dispatch job table, dead letters, DONE history and the executed-action
// ledger.
//
// The same SQL runs on an embedded SQLite file (modernc.org/sqlite, the
// default) or on PostgreSQL through pgx's database/sql driver. Every state
// change on a context is a compare-and-set on its state column; there is
// no process-wide lock, so contexts survive restarts and any number of
// sweeps and workers can share one store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver selects the database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Options configures Open.
type Options struct {
	Driver Driver
	// Path is the SQLite database file. The parent directory is created
	// if missing. Ignored for PostgreSQL.
	Path string
	// DSN is the PostgreSQL connection string. For SQLite it overrides
	// the DSN built from Path.
	DSN string
	// MaxOpenConns bounds the pool; zero keeps the driver default.
	MaxOpenConns int
}

// Store is the durable context store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver Driver
}

// Stats holds row counts for the operational surface.
type Stats struct {
	Open        int `json:"open"`
	Closing     int `json:"closing"`
	Processing  int `json:"processing"`
	Jobs        int `json:"jobs"`
	DeadLetters int `json:"dead_letters"`
	History     int `json:"history"`
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var driverName, dsn string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
		dsn = opts.DSN
		if dsn == "" {
			if opts.Path == "" {
				return nil, fmt.Errorf("store: sqlite path is required")
			}
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
			// WAL for concurrent readers, immediate transactions so that
			// read-then-write transactions serialize instead of failing
			// with SQLITE_BUSY on upgrade.
			dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", opts.Path)
		}
	case DriverPostgres:
		driverName = "pgx"
		dsn = opts.DSN
		if dsn == "" {
			return nil, fmt.Errorf("store: postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("store opened",
		"driver", driver,
		"open", stats.Open,
		"closing", stats.Closing,
		"processing", stats.Processing,
		"jobs", stats.Jobs,
		"dead_letters", stats.DeadLetters,
	)
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contexts (
		id                 TEXT PRIMARY KEY,
		conv_key           TEXT NOT NULL,
		state              TEXT NOT NULL,
		opened_at          BIGINT NOT NULL,
		last_activity      BIGINT NOT NULL,
		message_count      BIGINT NOT NULL DEFAULT 0,
		processing_attempt BIGINT NOT NULL DEFAULT 0,
		tasks              TEXT,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_contexts_open_key ON contexts(conv_key) WHERE state = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS idx_contexts_state_activity ON contexts(state, last_activity)`,
	`CREATE TABLE IF NOT EXISTS messages (
		context_id TEXT NOT NULL,
		seq        BIGINT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		sender     TEXT NOT NULL,
		body       TEXT NOT NULL,
		sent_at    BIGINT NOT NULL,
		PRIMARY KEY (context_id, seq)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_platform_id ON messages(context_id, message_id) WHERE message_id <> ''`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		context_id       TEXT NOT NULL UNIQUE,
		enqueued_at      BIGINT NOT NULL,
		attempt          BIGINT NOT NULL DEFAULT 0,
		next_retry_at    BIGINT NOT NULL,
		lease_token      TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(next_retry_at, lease_expires_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		context_id TEXT NOT NULL,
		conv_key   TEXT NOT NULL,
		attempts   BIGINT NOT NULL,
		last_error TEXT NOT NULL,
		transcript TEXT NOT NULL,
		dead_at    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		context_id    TEXT PRIMARY KEY,
		conv_key      TEXT NOT NULL,
		opened_at     BIGINT NOT NULL,
		finished_at   BIGINT NOT NULL,
		message_count BIGINT NOT NULL,
		task_count    BIGINT NOT NULL,
		failed        BIGINT NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_finished ON history(finished_at)`,
	`CREATE TABLE IF NOT EXISTS executed_actions (
		idempotency_key TEXT PRIMARY KEY,
		context_id      TEXT NOT NULL,
		kind            TEXT NOT NULL,
		external_id     TEXT NOT NULL,
		executed_at     BIGINT NOT NULL
	)`,
}

// Init creates tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the backend in use.
func (s *Store) Driver() Driver {
	return s.driver
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns row counts per table and context state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM contexts GROUP BY state`)
	if err != nil {
		return st, fmt.Errorf("context stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("scan context stats: %w", err)
		}
		switch state {
		case "OPEN":
			st.Open = n
		case "CLOSING":
			st.Closing = n
		case "PROCESSING":
			st.Processing = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM jobs`, &st.Jobs},
		{`SELECT COUNT(*) FROM dead_letters`, &st.DeadLetters},
		{`SELECT COUNT(*) FROM history`, &st.History},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return st, fmt.Errorf("count: %w", err)
		}
	}
	return st, nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Timestamps are stored as unix milliseconds so both backends compare
// them the same way.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
