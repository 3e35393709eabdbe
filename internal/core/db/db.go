// Package db opens and migrates the core's SQLite database.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path and applies the pragmas the
// core depends on: WAL journaling for concurrent readers, enforced
// foreign keys, and a busy timeout so short write contention does not
// surface as SQLITE_BUSY. Use ":memory:" in tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	// SQLite allows a single writer; a second connection would just
	// queue behind the busy timeout.
	conn.SetMaxOpenConns(1)

	return conn, nil
}

// Checkpoint flushes the WAL into the main database file. Called on
// shutdown so the data directory can be copied without the -wal
// sidecar.
func Checkpoint(conn *sql.DB) error {
	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
