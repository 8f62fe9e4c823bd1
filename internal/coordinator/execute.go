package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudsync/internal/conflict"
	"cloudsync/internal/events"
	"cloudsync/internal/ingest"
	"cloudsync/internal/jobs"
	"cloudsync/internal/logging"
	"cloudsync/internal/provider"
	"cloudsync/internal/queue"
	"cloudsync/internal/syncerr"
)

// run is the state of one job while its goroutine drives it.
type run struct {
	c      *Coordinator
	src    provider.StorageProvider
	scope  string
	logger *slog.Logger

	mu        sync.Mutex
	job       *jobs.Job
	stats     jobs.Stats
	processed int
	total     int
}

// discovery is what the provider reported for one job.
type discovery struct {
	files   []provider.RemoteFile
	removed []string
	cursor  string
}

func newRun(c *Coordinator, job *jobs.Job, src provider.StorageProvider, scope string) *run {
	return &run{c: c, job: job, src: src, scope: scope, logger: c.logger}
}

func (r *run) run(ctx context.Context, active *activeSync) {
	defer r.c.wg.Done()
	defer close(active.done)
	defer r.c.registry.release(active)
	defer active.cancel(nil)

	ctx = logging.WithJobID(logging.WithProfileID(ctx, r.job.ProfileID), r.job.ID)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, r.c.cfg.JobTimeout(), errJobTimeout)
	defer cancelTimeout()
	r.logger = logging.WithContext(ctx, r.c.logger)

	r.mu.Lock()
	err := r.job.Start()
	r.mu.Unlock()
	if err == nil {
		r.setPhase(ctx, jobs.PhaseDiscovering)
		err = r.execute(ctx)
	}
	r.finish(ctx, err)
}

func (r *run) execute(ctx context.Context) error {
	found, err := r.discover(ctx)
	if err != nil {
		return err
	}

	r.setPhase(ctx, jobs.PhaseFiltering)
	audio := newAudioFilter(r.c.cfg).Apply(found.files)
	r.logger.Info("discovery finished",
		logging.Int("discovered", len(found.files)),
		logging.Int("audio", len(audio)),
		logging.Int("removed", len(found.removed)),
	)

	renames, err := r.c.resolver.RenameCandidates(ctx, r.scope, audio, r.vanished(found))
	if err != nil {
		return err
	}
	renamed := make(map[string]struct{}, len(renames))
	for _, rn := range renames {
		renamed[rn.NewRemoteID] = struct{}{}
	}

	r.setPhase(ctx, jobs.PhaseEnqueueing)
	enqueued := 0
	for _, file := range audio {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := renamed[file.ID]; ok {
			continue
		}
		modified := file.ModifiedAt
		if _, err := r.c.queue.Enqueue(ctx, queue.NewItem{
			JobID:              r.job.ID,
			RemoteFileID:       file.ID,
			FileName:           file.Name,
			MimeType:           file.MimeType,
			FileSize:           file.Size,
			ProviderModifiedAt: &modified,
			Priority:           queue.PriorityNormal,
		}); err != nil {
			return err
		}
		enqueued++
	}

	r.mu.Lock()
	r.total = enqueued
	r.mu.Unlock()
	r.setPhase(ctx, jobs.PhaseProcessing)
	if err := r.process(ctx); err != nil {
		return err
	}

	r.setPhase(ctx, jobs.PhaseConflictResolution)
	seen := make([]string, 0, len(found.files))
	for _, file := range found.files {
		seen = append(seen, file.ID)
	}
	resolved, err := r.c.orchestrator.ResolveConflicts(ctx, r.job.ID, r.scope, conflict.Snapshot{
		SeenIDs:  seen,
		Complete: r.job.Type == jobs.SyncFull,
		Removed:  found.removed,
		Renames:  renames,
	})
	r.mu.Lock()
	r.stats.Deleted += resolved.Deleted()
	r.stats.Updated += resolved.RenamesResolved
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.job.SetCursor(found.cursor); err != nil {
		return err
	}
	return nil
}

func (r *run) discover(ctx context.Context) (discovery, error) {
	if r.job.Type == jobs.SyncIncremental {
		return r.discoverChanges(ctx)
	}
	return r.discoverListing(ctx)
}

// discoverListing pages through ListMedia. The change cursor is read first
// so changes made during the listing are replayed by the next incremental
// sync.
func (r *run) discoverListing(ctx context.Context) (discovery, error) {
	var found discovery
	head, err := r.src.ChangeCursor(ctx)
	if err != nil {
		return found, syncerr.Wrap(syncerr.ErrProvider, "coordinator", "change cursor", r.job.Provider, err)
	}
	found.cursor = head

	cursor := ""
	for {
		if err := r.pace(ctx); err != nil {
			return found, err
		}
		page, err := r.src.ListMedia(ctx, cursor)
		if err != nil {
			return found, syncerr.Wrap(syncerr.ErrProvider, "coordinator", "list media", r.job.Provider, err)
		}
		found.files = append(found.files, page.Files...)
		r.discovered(ctx, len(found.files))
		if page.NextCursor == "" {
			return found, nil
		}
		if page.NextCursor == cursor {
			return found, syncerr.Wrap(syncerr.ErrProvider, "coordinator", "list media", "listing cursor did not advance", nil)
		}
		cursor = page.NextCursor
	}
}

// discoverChanges pages through GetChanges from the job's cursor. The last
// change reported for an id wins.
func (r *run) discoverChanges(ctx context.Context) (discovery, error) {
	var found discovery
	changed := make(map[string]provider.RemoteFile)
	removed := make(map[string]struct{})
	var order []string

	cursor := r.job.Cursor
	checkpoint := ""
	for {
		if err := r.pace(ctx); err != nil {
			return found, err
		}
		page, err := r.src.GetChanges(ctx, cursor)
		if err != nil {
			return found, syncerr.Wrap(syncerr.ErrProvider, "coordinator", "get changes", r.job.Provider, err)
		}
		for _, change := range page.Changes {
			if _, known := changed[change.FileID]; !known {
				if _, gone := removed[change.FileID]; !gone {
					order = append(order, change.FileID)
				}
			}
			switch {
			case change.Removed:
				delete(changed, change.FileID)
				removed[change.FileID] = struct{}{}
			case change.File != nil:
				delete(removed, change.FileID)
				changed[change.FileID] = *change.File
			}
		}
		if page.Checkpoint != "" {
			checkpoint = page.Checkpoint
		}
		r.discovered(ctx, len(changed))
		if page.NextCursor == "" {
			break
		}
		if page.NextCursor == cursor {
			return found, syncerr.Wrap(syncerr.ErrProvider, "coordinator", "get changes", "change cursor did not advance", nil)
		}
		cursor = page.NextCursor
	}

	for _, id := range order {
		if file, ok := changed[id]; ok {
			found.files = append(found.files, file)
		} else if _, ok := removed[id]; ok {
			found.removed = append(found.removed, id)
		}
	}
	found.cursor = checkpoint
	if found.cursor == "" {
		found.cursor = cursor
	}
	return found, nil
}

func (r *run) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.c.limiter.Wait(ctx)
}

// vanished decides whether a track's remote id is gone. A full listing is
// authoritative; an incremental sync asks the provider.
func (r *run) vanished(found discovery) conflict.VanishedFunc {
	if r.job.Type == jobs.SyncFull {
		seen := make(map[string]struct{}, len(found.files))
		for _, file := range found.files {
			seen[file.ID] = struct{}{}
		}
		return func(_ context.Context, remoteID string) (bool, error) {
			_, ok := seen[remoteID]
			return !ok, nil
		}
	}
	removed := make(map[string]struct{}, len(found.removed))
	for _, id := range found.removed {
		removed[id] = struct{}{}
	}
	return func(ctx context.Context, remoteID string) (bool, error) {
		if _, ok := removed[remoteID]; ok {
			return true, nil
		}
		_, err := r.src.GetMetadata(ctx, remoteID)
		if errors.Is(err, syncerr.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
}

// process drains the job's work items. Items already handed to a worker run
// to completion even when ctx is cancelled.
func (r *run) process(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	poll := r.c.cfg.PollInterval()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := r.c.queue.DequeueJob(ctx, r.job.ID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if item == nil {
			stats, err := r.c.queue.StatsForJob(ctx, r.job.ID)
			if err != nil {
				return err
			}
			if stats.Outstanding() == 0 {
				return nil
			}
			timer := time.NewTimer(poll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		wg.Add(1)
		go func(item *queue.WorkItem) {
			defer wg.Done()
			r.handle(ctx, item)
		}(item)
	}
}

func (r *run) handle(ctx context.Context, item *queue.WorkItem) {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.ItemTimeout())
	defer cancel()
	itemCtx = logging.WithItemID(itemCtx, item.ID)
	logger := logging.WithContext(itemCtx, r.c.logger)

	stopHeartbeat := r.c.startHeartbeat(itemCtx, item.ID)
	result, err := r.c.processor.Process(itemCtx, item, r.src, r.scope, item.FileName)
	stopHeartbeat()

	dbCtx := context.WithoutCancel(ctx)
	if err != nil {
		status, markErr := r.c.queue.MarkFailed(dbCtx, item.ID, err.Error())
		if markErr != nil {
			logging.ErrorWithContext(logger, "record item failure failed", "queue_mark_failed",
				logging.String("remote_id", item.RemoteFileID),
				logging.Error(markErr),
			)
			return
		}
		logging.WarnWithContext(logger, "work item failed", "item_failed",
			logging.String("remote_id", item.RemoteFileID),
			logging.Int("retry_count", item.RetryCount),
			logging.String("next_status", string(status)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "item is retried until it reaches the retry limit"),
		)
		if status == queue.StatusFailed {
			r.itemDone(dbCtx, ingest.Result{}, true)
		}
		return
	}
	if err := r.c.queue.MarkComplete(dbCtx, item.ID); err != nil {
		logging.ErrorWithContext(logger, "record item completion failed", "queue_mark_complete",
			logging.String("remote_id", item.RemoteFileID),
			logging.Error(err),
		)
		return
	}
	logger.Debug("work item processed",
		logging.String("remote_id", item.RemoteFileID),
		logging.Bool("new", result.IsNew),
		logging.Bool("updated", result.Updated),
		logging.Int64("bytes", result.BytesDownloaded),
	)
	r.itemDone(dbCtx, result, false)
}

func (r *run) itemDone(ctx context.Context, result ingest.Result, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case failed:
		r.stats.Failed++
	case result.IsNew:
		r.stats.Added++
	case result.Updated:
		r.stats.Updated++
	}
	r.processed++
	r.job.Stats = r.stats
	if err := r.job.UpdateProgress(r.processed, r.total, jobs.PhaseProcessing); err != nil {
		return
	}
	r.persistLocked(ctx)
	r.c.publish(ctx, r.job, events.TypeProgress, "")
}

func (r *run) discovered(ctx context.Context, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.job.UpdateProgress(count, 0, jobs.PhaseDiscovering); err != nil {
		return
	}
	r.persistLocked(ctx)
	r.c.publish(ctx, r.job, events.TypeProgress, "")
}

func (r *run) setPhase(ctx context.Context, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	processed, total := r.processed, r.total
	if phase == jobs.PhaseDiscovering || phase == jobs.PhaseFiltering || phase == jobs.PhaseEnqueueing {
		processed, total = 0, 0
	}
	if err := r.job.UpdateProgress(processed, total, phase); err != nil {
		return
	}
	r.persistLocked(ctx)
	r.c.publish(ctx, r.job, events.TypeProgress, "")
}

func (r *run) persistLocked(ctx context.Context) {
	if err := r.c.jobs.Update(context.WithoutCancel(ctx), r.job); err != nil {
		logging.WarnWithContext(r.logger, "persist job progress failed", "job_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "reported progress may lag"),
		)
	}
}

// finish records the job outcome. Work items that never ran are failed so
// they do not linger in the queue.
func (r *run) finish(ctx context.Context, err error) {
	r.mu.Lock()
	job := r.job
	job.Stats = r.stats
	message := ""
	kind := events.TypeCompleted

	var transition error
	switch {
	case err == nil:
		transition = job.Complete(r.stats)
	case errors.Is(context.Cause(ctx), errUserCancelled):
		kind = events.TypeCancelled
		transition = job.Cancel()
	case errors.Is(context.Cause(ctx), errShutdown):
		kind, message = events.TypeFailed, jobs.InterruptedMessage
	case errors.Is(context.Cause(ctx), errJobTimeout):
		kind, message = events.TypeFailed, fmt.Sprintf("sync timed out after %s", r.c.cfg.JobTimeout())
	default:
		kind, message = events.TypeFailed, err.Error()
	}
	if kind == events.TypeFailed {
		transition = job.Fail(message)
	}
	if transition != nil {
		logging.ErrorWithContext(r.logger, "job state transition failed", "job_transition_failed", logging.Error(transition))
	}

	persistCtx := context.WithoutCancel(ctx)
	if kind != events.TypeCompleted {
		if _, abandonErr := r.c.queue.AbandonJob(persistCtx, job.ID, "sync job "+string(job.Status), false); abandonErr != nil {
			logging.WarnWithContext(r.logger, "abandon work items failed", "queue_abandon_failed",
				logging.Error(abandonErr),
				logging.String(logging.FieldImpact, "pending items stay queued until cleanup"),
			)
		}
	}
	r.persistLocked(persistCtx)
	snapshot := job.Clone()
	r.mu.Unlock()

	attrs := []logging.Attr{
		logging.String("status", string(snapshot.Status)),
		logging.Int("added", snapshot.Stats.Added),
		logging.Int("updated", snapshot.Stats.Updated),
		logging.Int("deleted", snapshot.Stats.Deleted),
		logging.Int("failed", snapshot.Stats.Failed),
		logging.Duration("duration", snapshot.Duration()),
	}
	switch kind {
	case events.TypeFailed:
		logging.ErrorWithContext(r.logger, "sync job failed", "sync_failed", append(attrs, logging.String("error", message))...)
	default:
		r.logger.Info("sync job finished", logging.Args(attrs...)...)
	}
	r.c.publish(persistCtx, snapshot, kind, message)
}
