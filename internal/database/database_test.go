package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudsync/internal/database"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cloudsync.db")

	db, err := database.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, err := database.AppliedMigrations(ctx, db)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(first) < 3 {
		t.Fatalf("expected at least 3 migrations, got %v", first)
	}
	_ = db.Close()

	db, err = database.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	second, err := database.AppliedMigrations(ctx, db)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("migrations changed across reopen: %v vs %v", first, second)
	}

	for _, table := range []string{"sync_jobs", "work_items", "tracks"} {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
			t.Fatalf("query table %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestRetryOnBusyRetriesContention(t *testing.T) {
	attempts := 0
	err := database.RetryOnBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryOnBusy: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryOnBusyStopsOnOtherErrors(t *testing.T) {
	attempts := 0
	boom := errors.New("constraint failed")
	err := database.RetryOnBusy(context.Background(), func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestFormatTimeSortsChronologically(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 5, 100_000_000, time.UTC)
	later := base.Add(20 * time.Millisecond)
	a, b := database.FormatTime(base), database.FormatTime(later)
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	parsed, err := database.ParseTime(a)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(base) {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, base)
	}
}
