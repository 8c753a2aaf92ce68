package sqlstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
)

const defaultBusyTimeoutMs = 5000

// openSQLite opens a single-connection SQLite database configured for
// WAL-mode, FK-enforcing writes, grounded on the teacher's internal/db/
// sqlite.go OpenSQLite.
func openSQLite(dbPath string) (*sqlx.DB, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		abs = dbPath
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("preparing database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		abs, defaultBusyTimeoutMs,
	)
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openPostgres opens a pgx-backed connection pool, grounded on the
// teacher's internal/db/postgres.go OpenPostgres.
func openPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open(DriverPGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres database: %w", err)
	}
	return db, nil
}

// buildPostgresDSN assembles a libpq-style DSN from discrete config fields.
func buildPostgresDSN(host string, port int, user, password, dbName, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbName, sslMode)
}
