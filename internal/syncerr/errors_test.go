package syncerr_test

import (
	"errors"
	"strings"
	"testing"

	"cloudsync/internal/syncerr"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("connection reset")
	err := syncerr.Wrap(syncerr.ErrProvider, "coordinator", "list media", "page 3", base)
	if !errors.Is(err, syncerr.ErrProvider) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"coordinator", "list media", "page 3", "connection reset"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToInternal(t *testing.T) {
	err := syncerr.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, syncerr.ErrInternal) {
		t.Fatalf("expected internal marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "sync failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestKindMapping(t *testing.T) {
	cases := map[string]error{
		"sync_in_progress": syncerr.Wrap(syncerr.ErrSyncInProgress, "coordinator", "start", "", nil),
		"invalid_input":    syncerr.Wrap(syncerr.ErrInvalidInput, "jobs", "start", "cursor required", nil),
		"timeout":          syncerr.Wrap(syncerr.ErrTimeout, "coordinator", "execute", "", errors.New("deadline")),
		"internal":         errors.New("plain"),
		"":                 nil,
	}
	for want, err := range cases {
		if got := syncerr.Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
