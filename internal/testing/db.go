// Package testing provides testing utilities and helpers for the pricehub project.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/aristath/pricehub/internal/database"
)

// NewTestDB creates a file-backed SQLite database under t.TempDir() with automatic schema migration.
// Returns the database instance and a cleanup function that closes the connection.
// The cleanup function is idempotent and can be called multiple times safely.
//
// Supported schema names:
//   - "syncer" - applies syncer_schema.sql (task queue)
//   - "year" - applies year_schema.sql (live year table)
//   - Unknown names - creates empty database (no schema applied)
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	profile := database.ProfileQueue
	if name == "year" {
		profile = database.ProfileYearTable
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			// Log error but don't fail test - cleanup should be idempotent
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	}
}

// NewTestDataDir returns a fresh data directory for year files and the queue database
func NewTestDataDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
