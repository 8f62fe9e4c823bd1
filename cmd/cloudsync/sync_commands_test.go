package main

import (
	"context"
	"testing"

	"cloudsync/internal/events"
	"cloudsync/internal/jobs"
	"cloudsync/internal/logging"
)

// scriptedController reports the job running until it has been polled once,
// and serves a fixed event stream.
type scriptedController struct {
	updates chan events.Event
	polls   int
	stopped bool
}

func (c *scriptedController) Job(_ context.Context, jobID string) (*jobs.Job, error) {
	c.polls++
	job := jobs.New("alice", "localfs", jobs.SyncFull, "")
	job.ID = jobID
	if err := job.Start(); err != nil {
		return nil, err
	}
	if c.polls > 1 {
		if err := job.Complete(jobs.Stats{Added: 3}); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (c *scriptedController) History(context.Context, string, int) ([]*jobs.Job, error) {
	return nil, nil
}

func (c *scriptedController) Start(context.Context, string, jobs.SyncType, string) (string, error) {
	return "job-1", nil
}

func (c *scriptedController) Cancel(context.Context, string) (*jobs.Job, error) {
	return nil, nil
}

func (c *scriptedController) Detached() bool { return false }

func (c *scriptedController) Watch() (<-chan events.Event, func()) {
	return c.updates, func() { c.stopped = true }
}

type recordingProgress struct {
	observed []events.Event
	updates  int
	finished bool
}

func (p *recordingProgress) Update(*jobs.Job)           { p.updates++ }
func (p *recordingProgress) Observe(event events.Event) { p.observed = append(p.observed, event) }
func (p *recordingProgress) Finish()                    { p.finished = true }

func TestWaitForJobFollowsLiveEvents(t *testing.T) {
	api := &scriptedController{updates: make(chan events.Event, 4)}
	api.updates <- events.Event{Type: events.TypeProgress, JobID: "other", Processed: 9, Total: 9}
	api.updates <- events.Event{Type: events.TypeProgress, JobID: "job-1", Phase: jobs.PhaseProcessing, Processed: 2, Total: 3}
	api.updates <- events.Event{Type: events.TypeCompleted, JobID: "job-1"}

	progress := &recordingProgress{}
	job, err := waitForJob(context.Background(), api, "job-1", progress)
	if err != nil {
		t.Fatalf("waitForJob: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if api.polls != 2 {
		t.Fatalf("expected the terminal event to trigger the second poll, got %d polls", api.polls)
	}
	if len(progress.observed) != 1 || progress.observed[0].JobID != "job-1" || progress.observed[0].Processed != 2 {
		t.Fatalf("expected only this job's progress event, got %+v", progress.observed)
	}
	if progress.updates != 2 || !progress.finished {
		t.Fatalf("expected two polled updates and a finish, got %d updates finished=%v", progress.updates, progress.finished)
	}
	if !api.stopped {
		t.Fatal("expected the event subscription to be released")
	}
}

func TestWaitForJobPollsWithoutEvents(t *testing.T) {
	api := &scriptedController{}
	job, err := waitForJob(context.Background(), api, "job-1", nopProgress{})
	if err != nil {
		t.Fatalf("waitForJob: %v", err)
	}
	if job.Status != jobs.StatusCompleted || api.polls != 2 {
		t.Fatalf("expected completion on the second poll, got %s after %d polls", job.Status, api.polls)
	}
}

func TestLocalRuntimeBroadcastsJobEvents(t *testing.T) {
	env := setupCLITestEnv(t)
	env.mustRun(t, "auth", "login-local", "alice")
	env.write(t, "song.mp3", "song")

	ctx := context.Background()
	rt, err := openLocalRuntime(ctx, env.cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("openLocalRuntime: %v", err)
	}
	defer rt.Close()

	api := &localSyncAPI{rt: rt}
	updates, unsubscribe := api.Watch()
	defer unsubscribe()

	jobID, err := api.Start(ctx, "alice", jobs.SyncFull, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for event := range updates {
		if event.JobID != jobID {
			continue
		}
		if event.Type.IsTerminal() {
			if event.Type != events.TypeCompleted {
				t.Fatalf("expected completed event, got %s (%s)", event.Type, event.Message)
			}
			return
		}
	}
	t.Fatal("subscription closed before the job finished")
}
