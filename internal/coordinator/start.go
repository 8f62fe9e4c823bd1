package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloudsync/internal/auth"
	"cloudsync/internal/events"
	"cloudsync/internal/jobs"
	"cloudsync/internal/logging"
	"cloudsync/internal/syncerr"
)

// StartFullSync starts a full listing sync of profileID and returns the new
// job id without waiting for it.
func (c *Coordinator) StartFullSync(ctx context.Context, profileID string) (string, error) {
	return c.start(ctx, profileID, jobs.SyncFull, "")
}

// StartIncrementalSync starts a change-feed sync of profileID resuming at
// cursor, which must not be empty.
func (c *Coordinator) StartIncrementalSync(ctx context.Context, profileID, cursor string) (string, error) {
	if strings.TrimSpace(cursor) == "" {
		return "", syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "start incremental", "cursor is required", nil)
	}
	return c.start(ctx, profileID, jobs.SyncIncremental, cursor)
}

// StartSync dispatches on syncType. An incremental sync with an empty cursor
// resumes from the profile's last completed job and fails with
// ErrInvalidInput when there is none.
func (c *Coordinator) StartSync(ctx context.Context, profileID string, syncType jobs.SyncType, cursor string) (string, error) {
	switch syncType {
	case jobs.SyncFull, "":
		return c.StartFullSync(ctx, profileID)
	case jobs.SyncIncremental:
		cursor = strings.TrimSpace(cursor)
		if cursor == "" {
			last, err := c.LastCursor(ctx, profileID)
			if err != nil {
				return "", err
			}
			if last == "" {
				return "", syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "start incremental", "no completed sync to resume from; run a full sync first", nil)
			}
			cursor = last
		}
		return c.StartIncrementalSync(ctx, profileID, cursor)
	default:
		return "", syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "start", fmt.Sprintf("unknown sync type %q", syncType), nil)
	}
}

func (c *Coordinator) start(ctx context.Context, profileID string, syncType jobs.SyncType, cursor string) (string, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return "", syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "start", "profile id is required", nil)
	}
	if !c.track() {
		return "", syncerr.Wrap(syncerr.ErrCancelled, "coordinator", "start", "coordinator is shut down", nil)
	}
	launched := false
	defer func() {
		if !launched {
			c.wg.Done()
		}
	}()
	if c.registry.IsActive(profileID) {
		return "", syncerr.Wrap(syncerr.ErrSyncInProgress, "coordinator", "start", profileID, nil)
	}
	if err := c.checkNetwork(ctx); err != nil {
		return "", err
	}
	session, err := c.session(ctx, profileID)
	if err != nil {
		return "", err
	}
	src, err := c.providers.Get(session.Provider)
	if err != nil {
		return "", err
	}

	job := jobs.New(profileID, session.Provider, syncType, cursor)
	runCtx, cancel := context.WithCancelCause(c.baseCtx)
	active := &activeSync{
		jobID:     job.ID,
		profileID: profileID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if !c.registry.claim(active) {
		cancel(nil)
		return "", syncerr.Wrap(syncerr.ErrSyncInProgress, "coordinator", "start", profileID, nil)
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		c.registry.release(active)
		cancel(nil)
		return "", err
	}

	c.logger.Info("sync job started",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldProfileID, profileID),
		logging.String("provider", session.Provider),
		logging.String("sync_type", string(syncType)),
	)
	c.publish(ctx, job, events.TypeStarted, "")

	r := newRun(c, job, src, CatalogScope(session.Provider, profileID))
	launched = true
	go r.run(runCtx, active)
	return job.ID, nil
}

func (c *Coordinator) checkNetwork(ctx context.Context) error {
	if !c.cfg.Sync.WiFiOnly {
		return nil
	}
	ok, err := c.network.Unmetered(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrNetworkRestricted, "coordinator", "start", "network state unknown", err)
	}
	if !ok {
		return syncerr.Wrap(syncerr.ErrNetworkRestricted, "coordinator", "start", "wifi_only is set and no unmetered network is up", nil)
	}
	return nil
}

func (c *Coordinator) session(ctx context.Context, profileID string) (*auth.Session, error) {
	session, err := c.sessions.Session(ctx, profileID)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrNotAuthenticated, "coordinator", "session", profileID, err)
	}
	if session == nil || !session.Valid(time.Now()) {
		return nil, syncerr.Wrap(syncerr.ErrNotAuthenticated, "coordinator", "session", profileID+" has no valid session", nil)
	}
	return session, nil
}
