package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	fileName        = "pbxcore.db"
	defaultIdleTime = 5 * time.Minute
)

// DB is the single-writer SQLite engine. original_source's Database
// engine runs in its own thread with one connection; here the same
// guarantee comes from SetMaxOpenConns(1) plus a mutex-guarded handle,
// and the engine closes its connection after a period of inactivity,
// vacuuming and reopening it lazily on the next call.
type DB struct {
	mu          sync.Mutex
	sqlDB       *sql.DB
	path        string
	idleTimeout time.Duration
	lastUsed    time.Time
	closed      bool
	stop        chan struct{}
}

// Open creates or opens a SQLite database at dataDir/pbxcore.db with WAL
// mode enabled and runs any pending migrations.
func Open(dataDir string) (*DB, error) {
	return OpenWithIdleTimeout(dataDir, defaultIdleTime)
}

// OpenWithIdleTimeout is Open with an explicit idle-close interval, split
// out so tests can exercise the close/reopen path without waiting five
// minutes.
func OpenWithIdleTimeout(dataDir string, idleTimeout time.Duration) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db := &DB{
		path:        filepath.Join(dataDir, fileName),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}

	db.mu.Lock()
	err := db.open()
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := db.migrate(); err != nil {
		db.sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	go db.idleCloser()

	slog.Info("database opened", "path", db.path)
	return db, nil
}

// OpenSecondary opens a second connection against the same data directory
// for the Authorize worker, which original_source runs against its own
// named Qt connection so its higher-priority lookups never queue behind
// the general database engine's work. SQLite's own file locking still
// serializes the two at the OS level; callers only ever go through this
// package's exported helpers, so application-level ordering is preserved.
func OpenSecondary(dataDir string) (*DB, error) {
	return OpenWithIdleTimeout(dataDir, defaultIdleTime)
}

func (db *DB) dsn() string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", db.path)
}

// open acquires a live connection, reopening and vacuuming it first if
// this is a reopen after an idle close. Callers must hold db.mu.
func (db *DB) open() error {
	if db.sqlDB != nil && !db.closed {
		return nil
	}
	reopening := db.closed

	sqlDB, err := sql.Open("sqlite", db.dsn())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if reopening {
		if _, err := sqlDB.Exec("VACUUM"); err != nil {
			sqlDB.Close()
			return fmt.Errorf("vacuuming on reopen: %w", err)
		}
		slog.Info("database reopened after idle close", "path", db.path)
	}

	db.sqlDB = sqlDB
	db.closed = false
	db.lastUsed = time.Now()
	return nil
}

// touch returns the live connection, reopening it first if the idle
// closer has shut it down since the last call.
func (db *DB) touch() (*sql.DB, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.open(); err != nil {
		return nil, err
	}
	db.lastUsed = time.Now()
	return db.sqlDB, nil
}

// idleCloser closes the connection once it has sat unused for
// idleTimeout. The next query reopens (and vacuums) it lazily.
func (db *DB) idleCloser() {
	ticker := time.NewTicker(db.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			db.mu.Lock()
			if !db.closed && time.Since(db.lastUsed) >= db.idleTimeout {
				db.sqlDB.Close()
				db.closed = true
				slog.Info("database closed after idle period", "path", db.path)
			}
			db.mu.Unlock()
		}
	}
}

// Close stops the idle closer and shuts down the underlying connection.
func (db *DB) Close() error {
	close(db.stop)
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.sqlDB.Close()
}

// ExecContext delegates to the live connection, reopening it first if
// it was closed by the idle timer.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := db.touch()
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

// QueryContext delegates to the live connection.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := db.touch()
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRowContext delegates to the live connection.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	conn, err := db.touch()
	if err != nil {
		return db.sqlDB.QueryRowContext(ctx, query, args...)
	}
	return conn.QueryRowContext(ctx, query, args...)
}

// QueryRow is the context-free convenience form repositories' own tests
// use directly against the engine.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	return db.QueryRowContext(context.Background(), query, args...)
}

// Query is the context-free convenience form of QueryContext.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(context.Background(), query, args...)
}

// Exec is the context-free convenience form of ExecContext.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	return db.ExecContext(context.Background(), query, args...)
}

// Begin starts a transaction on the live connection.
func (db *DB) Begin() (*sql.Tx, error) {
	conn, err := db.touch()
	if err != nil {
		return nil, err
	}
	return conn.Begin()
}

// migrate runs all pending SQL migration files in order.
func (db *DB) migrate() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}
