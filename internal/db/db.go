// Package db owns the SQLite store backing the Master's durable state:
// the paired-device set and trusted-key metadata.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the database at path and prepares the
// schema. The caller owns the returned handle.
func Open(path string) (*sql.DB, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[DB] Could not enable WAL mode: %v", err)
	}

	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Migrate creates the Master's tables.
func Migrate(conn *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"paired_devices", `
			CREATE TABLE IF NOT EXISTS paired_devices (
				unique_id    TEXT PRIMARY KEY,
				hostname     TEXT,
				display_name TEXT,
				ip           TEXT,
				paired_by    TEXT NOT NULL,
				paired_at    DATETIME NOT NULL
			);`},

		{"trusted_keys", `
			CREATE TABLE IF NOT EXISTS trusted_keys (
				fingerprint   TEXT PRIMARY KEY,
				unique_id     TEXT NOT NULL,
				public_key    TEXT NOT NULL,
				registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"trusted_keys indexes", `
			CREATE INDEX IF NOT EXISTS idx_trusted_keys_owner ON trusted_keys(unique_id);`},
	}

	for _, s := range statements {
		if _, err := conn.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
	}
	return nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}
