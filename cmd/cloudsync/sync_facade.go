package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/spf13/cobra"

	"cloudsync/internal/daemon"
	"cloudsync/internal/events"
	"cloudsync/internal/jobs"
)

type jobReader interface {
	Job(ctx context.Context, jobID string) (*jobs.Job, error)
	History(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error)
}

type syncController interface {
	jobReader
	Start(ctx context.Context, profileID string, syncType jobs.SyncType, cursor string) (string, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
	// Detached reports whether started jobs outlive this process.
	Detached() bool
	// Watch streams live job events. A nil channel means only polling works.
	Watch() (<-chan events.Event, func())
}

// --- daemon adapter ---

type daemonSyncAPI struct {
	client *daemon.Client
}

func (a *daemonSyncAPI) Job(ctx context.Context, jobID string) (*jobs.Job, error) {
	return a.client.Job(ctx, jobID)
}

func (a *daemonSyncAPI) History(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error) {
	return a.client.History(ctx, profileID, limit)
}

func (a *daemonSyncAPI) Start(ctx context.Context, profileID string, syncType jobs.SyncType, cursor string) (string, error) {
	return a.client.StartSync(ctx, daemon.StartSyncRequest{ProfileID: profileID, Type: syncType, Cursor: cursor})
}

func (a *daemonSyncAPI) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	return a.client.Cancel(ctx, jobID)
}

func (a *daemonSyncAPI) Detached() bool { return true }

func (a *daemonSyncAPI) Watch() (<-chan events.Event, func()) { return nil, func() {} }

// --- in-process adapter ---

type localSyncAPI struct {
	rt *runtime
}

func (a *localSyncAPI) Job(ctx context.Context, jobID string) (*jobs.Job, error) {
	return a.rt.coord.GetStatus(ctx, jobID)
}

func (a *localSyncAPI) History(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error) {
	return a.rt.coord.ListHistory(ctx, profileID, limit)
}

func (a *localSyncAPI) Start(ctx context.Context, profileID string, syncType jobs.SyncType, cursor string) (string, error) {
	return a.rt.coord.StartSync(ctx, profileID, syncType, cursor)
}

func (a *localSyncAPI) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	if err := a.rt.coord.CancelSync(ctx, jobID); err != nil {
		return nil, err
	}
	return a.rt.coord.GetStatus(ctx, jobID)
}

func (a *localSyncAPI) Detached() bool { return false }

func (a *localSyncAPI) Watch() (<-chan events.Event, func()) {
	return a.rt.events.Subscribe(watchBuffer)
}

// --- database reader ---

type storeJobReader struct {
	repo *jobs.Repository
}

func (r *storeJobReader) Job(ctx context.Context, jobID string) (*jobs.Job, error) {
	return r.repo.Get(ctx, jobID)
}

func (r *storeJobReader) History(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error) {
	return r.repo.ListByProfile(ctx, profileID, limit)
}

// withJobReader serves reads from the daemon when it runs, otherwise from the
// database directly.
func (c *commandContext) withJobReader(cmd *cobra.Command, fn func(jobReader) error) error {
	client, err := c.dialDaemon()
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		return fn(&daemonSyncAPI{client: client})
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(&storeJobReader{repo: jobs.NewRepository(db)})
}

// withSyncController routes through the daemon when it runs, otherwise
// through an in-process coordinator holding the data directory lock.
func (c *commandContext) withSyncController(cmd *cobra.Command, fn func(syncController) error) error {
	client, err := c.dialDaemon()
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		return fn(&daemonSyncAPI{client: client})
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	rt, err := openLocalRuntime(cmd.Context(), cfg, c.cliLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(&localSyncAPI{rt: rt})
}

// withDB opens the database for commands that operate on stored state only.
func (c *commandContext) withDB(cmd *cobra.Command, fn func(*sql.DB) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// withExclusiveDB opens the database under the data directory lock. It
// refuses while a daemon runs, since the daemon owns queue maintenance then.
func (c *commandContext) withExclusiveDB(cmd *cobra.Command, fn func(*sql.DB) error) error {
	client, err := c.dialDaemon()
	if err != nil {
		return err
	}
	if client != nil {
		_ = client.Close()
		return errors.New("the daemon is running and maintains the queue itself; stop it first")
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	lock, err := acquireDataLock(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return c.withDB(cmd, fn)
}
