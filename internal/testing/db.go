// Package testing provides test helpers: isolated databases and event
// fixtures shared across package tests.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/tidemark-io/tidemark/internal/database"
)

// NewTestDB creates a temp-file SQLite database with the schema for the
// given name ("events", "experience" or "cache") and registers cleanup.
// Temp files, not :memory:, so each test sees the same WAL configuration
// production runs with.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to create test database %s: %v", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to migrate test database %s: %v", name, err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("warning: failed to remove %s: %v", tmpPath, err)
		}
	})
	return db
}
