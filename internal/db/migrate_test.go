package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func setupMigratorDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate_test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorUp(t *testing.T) {
	db := setupMigratorDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("Expected version >= 1 after Up, got %d", version)
	}

	// The sync_operations table must exist
	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'sync_operations'").Scan(&name)
	if err != nil {
		t.Fatalf("Expected sync_operations table: %v", err)
	}
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	db := setupMigratorDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("First Up failed: %v", err)
	}
	first, _ := m.CurrentVersion()

	if err := m.Up(); err != nil {
		t.Fatalf("Second Up failed: %v", err)
	}
	second, _ := m.CurrentVersion()

	if first != second {
		t.Errorf("Expected version unchanged on re-run, got %d then %d", first, second)
	}
}

func TestMigratorRecordsChecksum(t *testing.T) {
	db := setupMigratorDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	var checksum string
	err := db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = 1").Scan(&checksum)
	if err != nil {
		t.Fatalf("Expected recorded migration: %v", err)
	}
	if len(checksum) != 64 {
		t.Errorf("Expected 64-char SHA-256 checksum, got %d chars", len(checksum))
	}
}

func TestMigratorDown(t *testing.T) {
	db := setupMigratorDB(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sync_operations'").Scan(&count)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 0 {
		t.Error("Expected sync_operations table dropped after Down")
	}
}
