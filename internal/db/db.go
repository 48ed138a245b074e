// Package db provides connection pool management and durable storage
// for the sync operation queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the embedded store inside the data directory.
const DatabaseFile = "filmtrack.db"

// openPool opens one pooled handle to the database at path.
//
// Every pool shares the same database file; WAL mode makes concurrent
// readers independent of the single writer. busy_timeout keeps write
// contention inside SQLite instead of surfacing SQLITE_BUSY to callers.
func openPool(path string, maxOpen, maxIdle int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)

	// Enable WAL mode for concurrent reads alongside the writer
	if _, err := pool.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign key constraints
	if _, err := pool.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Wait out short write contention instead of returning SQLITE_BUSY
	if _, err := pool.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return pool, nil
}

// ensureDataDir creates the data directory and returns the database path.
func ensureDataDir(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return filepath.Join(dataDir, DatabaseFile), nil
}
