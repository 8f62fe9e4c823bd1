package jobs_test

import (
	"context"
	"errors"
	"testing"

	"cloudsync/internal/jobs"
	"cloudsync/internal/syncerr"
	"cloudsync/internal/testsupport"
)

func newRepository(t *testing.T) *jobs.Repository {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return jobs.NewRepository(testsupport.MustOpenDB(t, cfg))
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	job := jobs.New("alice", "localfs", jobs.SyncIncremental, "cursor-0")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := job.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.UpdateProgress(3, 4, jobs.PhaseProcessing); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := job.SetCursor("cursor-1"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := job.Complete(jobs.Stats{Added: 2, Updated: 1, Deleted: 1, Failed: 1}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := repo.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	loaded, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != jobs.StatusCompleted || loaded.Cursor != "cursor-1" {
		t.Fatalf("unexpected loaded job: %+v", loaded)
	}
	if loaded.Stats != job.Stats {
		t.Fatalf("stats mismatch: %+v vs %+v", loaded.Stats, job.Stats)
	}
	if loaded.Progress.Percent != 75 || loaded.Progress.Phase != jobs.PhaseDone {
		t.Fatalf("unexpected progress: %+v", loaded.Progress)
	}
	if loaded.StartedAt == nil || loaded.CompletedAt == nil {
		t.Fatal("expected timestamps to persist")
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	repo := newRepository(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, syncerr.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	if err := repo.Update(context.Background(), jobs.New("a", "b", jobs.SyncFull, "")); !errors.Is(err, syncerr.ErrJobNotFound) {
		t.Fatalf("expected job not found on update, got %v", err)
	}
}

func TestListByProfileNewestFirst(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := jobs.New("alice", "localfs", jobs.SyncFull, "")
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, job.ID)
	}
	if err := repo.Create(ctx, jobs.New("bob", "localfs", jobs.SyncFull, "")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	history, err := repo.ListByProfile(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListByProfile: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(history))
	}
	if history[0].ID != ids[2] || history[1].ID != ids[1] {
		t.Fatalf("expected newest first, got %s, %s", history[0].ID, history[1].ID)
	}
}

func TestLatestCompletedAndFailInterrupted(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	done := jobs.New("alice", "localfs", jobs.SyncFull, "")
	if err := repo.Create(ctx, done); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = done.Start()
	_ = done.SetCursor("after-full")
	_ = done.Complete(jobs.Stats{Added: 1})
	if err := repo.Update(ctx, done); err != nil {
		t.Fatalf("Update: %v", err)
	}

	running := jobs.New("alice", "localfs", jobs.SyncFull, "")
	if err := repo.Create(ctx, running); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = running.Start()
	if err := repo.Update(ctx, running); err != nil {
		t.Fatalf("Update: %v", err)
	}

	latest, err := repo.LatestCompleted(ctx, "alice", "localfs")
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if latest == nil || latest.ID != done.ID || latest.Cursor != "after-full" {
		t.Fatalf("unexpected latest completed job: %+v", latest)
	}
	if none, err := repo.LatestCompleted(ctx, "bob", "localfs"); err != nil || none != nil {
		t.Fatalf("expected no completed job for bob, got %+v (%v)", none, err)
	}

	touched, err := repo.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if len(touched) != 1 || touched[0] != running.ID {
		t.Fatalf("expected only %s interrupted, got %v", running.ID, touched)
	}
	reloaded, err := repo.Get(ctx, running.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != jobs.StatusFailed || reloaded.Error != jobs.InterruptedMessage {
		t.Fatalf("unexpected interrupted job: %+v", reloaded)
	}
}
