package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile writes content to root/rel, creating parent directories, and sets
// its modification time when mod is non-zero.
func WriteFile(t testing.TB, root, rel string, content []byte, mod time.Time) string {
	t.Helper()

	target := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", target, err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", target, err)
	}
	if !mod.IsZero() {
		if err := os.Chtimes(target, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", target, err)
		}
	}
	return target
}

// MoveFile renames root/from to root/to, creating parent directories, and
// stamps the moved file with mod when non-zero.
func MoveFile(t testing.TB, root, from, to string, mod time.Time) {
	t.Helper()

	src := filepath.Join(root, filepath.FromSlash(from))
	dst := filepath.Join(root, filepath.FromSlash(to))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("rename %s: %v", src, err)
	}
	if !mod.IsZero() {
		if err := os.Chtimes(dst, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", dst, err)
		}
	}
}
