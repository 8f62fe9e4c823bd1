package conflict_test

import (
	"context"
	"strings"
	"testing"

	"cloudsync/internal/catalog"
	"cloudsync/internal/config"
	"cloudsync/internal/conflict"
	"cloudsync/internal/events"
	"cloudsync/internal/testsupport"
)

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.events = append(b.events, e)
}

func (b *recordingBus) phases() string {
	var out []string
	for _, e := range b.events {
		out = append(out, e.Phase)
	}
	return strings.Join(out, ",")
}

func TestResolveConflictsRunsAllPhases(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	ctx := context.Background()

	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "dup-a.mp3", ContentHash: "dup", FileSize: 500, Bitrate: 128000})
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "dup-b.mp3", ContentHash: "dup", FileSize: 500, Bitrate: 320000})
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "removed.mp3"})
	renamed := testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "before.mp3", ContentHash: "mv"})
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "kept.mp3"})

	bus := &recordingBus{}
	resolver := conflict.NewResolver(db, conflict.Options{Policy: config.PolicyKeepNewest})
	orch := conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{Bus: bus})

	stats, err := orch.ResolveConflicts(ctx, "job-1", "localfs", conflict.Snapshot{
		SeenIDs:  []string{"dup-a.mp3", "dup-b.mp3", "after.mp3", "kept.mp3"},
		Complete: true,
		Renames:  []conflict.Rename{{TrackID: renamed.ID, OldRemoteID: "before.mp3", NewRemoteID: "after.mp3", FileName: "after.mp3"}},
	})
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}

	want := "conflict_resolution.duplicates,conflict_resolution.renames,conflict_resolution.deletions"
	if got := bus.phases(); got != want {
		t.Fatalf("unexpected phase events: %s", got)
	}
	for _, e := range bus.events {
		if e.JobID != "job-1" || e.Type != events.TypeProgress {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
	if stats.DuplicatesDetected != 1 || stats.DuplicatesResolved != 1 || stats.SpaceReclaimed != 500 {
		t.Fatalf("unexpected duplicate stats: %+v", stats)
	}
	if stats.RenamesResolved != 1 {
		t.Fatalf("expected 1 rename, got %+v", stats)
	}
	// dup-a.mp3 was merged away in the duplicates phase and is no longer live.
	if stats.DeletionsSoft != 1 || stats.DeletionsHard != 0 || stats.Failures != 0 {
		t.Fatalf("unexpected deletion stats: %+v", stats)
	}

	store := catalog.NewStore(db)
	moved, _ := store.Get(ctx, renamed.ID)
	if moved.RemoteID != "after.mp3" {
		t.Fatalf("rename not applied: %+v", moved)
	}
	if live, _ := store.ByRemoteID(ctx, "localfs", "removed.mp3"); live != nil {
		t.Fatal("removed track still live")
	}
	if live, _ := store.ByRemoteID(ctx, "localfs", "kept.mp3"); live == nil {
		t.Fatal("seen track was deleted")
	}
}

func TestResolveConflictsKeepBothDeletesNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	ctx := context.Background()
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "a.mp3", ContentHash: "dup"})
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "b.mp3", ContentHash: "dup"})

	resolver := conflict.NewResolver(db, conflict.Options{Policy: config.PolicyKeepBoth})
	orch := conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{})
	stats, err := orch.ResolveConflicts(ctx, "job-1", "localfs", conflict.Snapshot{
		SeenIDs:  []string{"a.mp3", "b.mp3"},
		Complete: true,
	})
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}
	if stats.DuplicatesDetected != 1 || stats.DuplicatesResolved != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	count, _ := catalog.NewStore(db).Count(ctx, true)
	if count != 2 {
		t.Fatalf("expected both tracks kept, got %d", count)
	}
}

func TestResolveConflictsIncrementalOnlyDeletesExplicitRemovals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	ctx := context.Background()
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "untouched.mp3"})
	testsupport.InsertTrack(t, db, catalog.Track{RemoteID: "trashed.mp3"})

	resolver := conflict.NewResolver(db, conflict.Options{})
	orch := conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{HardDelete: true})
	stats, err := orch.ResolveConflicts(ctx, "job-2", "localfs", conflict.Snapshot{
		SeenIDs: []string{"changed.mp3"},
		Removed: []string{"trashed.mp3", "never-cataloged.mp3"},
	})
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}
	if stats.DeletionsHard != 1 || stats.DeletionsSoft != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	count, _ := catalog.NewStore(db).Count(ctx, true)
	if count != 1 {
		t.Fatalf("expected only the untouched track to remain, got %d", count)
	}
}

func TestResolveConflictsStopsOnCancelledContext(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := conflict.NewOrchestrator(conflict.NewResolver(db, conflict.Options{}), conflict.OrchestratorOptions{})
	if _, err := orch.ResolveConflicts(ctx, "job-3", "localfs", conflict.Snapshot{Complete: true}); err == nil {
		t.Fatal("expected context error")
	}
}
