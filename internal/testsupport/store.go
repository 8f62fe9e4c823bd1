package testsupport

import (
	"context"
	"database/sql"
	"testing"

	"cloudsync/internal/config"
	"cloudsync/internal/database"
)

// MustOpenDB opens the config's database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *sql.DB {
	t.Helper()

	db, err := database.Open(context.Background(), cfg.DatabasePath())
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
