package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"cloudsync/internal/logging"
	"cloudsync/internal/syncerr"
)

func pid() int {
	return os.Getpid()
}

// sweepLoop requeues work items whose heartbeat went quiet.
func (d *Daemon) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep requeues processing items not heard from within the stale window.
func (d *Daemon) Sweep(ctx context.Context) int64 {
	cutoff := time.Now().Add(-d.cfg.StaleAfter())
	reclaimed, err := d.coord.Queue().ReclaimStale(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(d.logger, "stale sweep failed", "queue_sweep_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "stalled items wait for the next sweep"),
			)
		}
		return 0
	}
	if reclaimed > 0 {
		d.logger.Info("reclaimed stale work items", logging.Int64("count", reclaimed))
	}
	return reclaimed
}

func (d *Daemon) scheduleLoop(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()
	d.SyncProfiles(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SyncProfiles(ctx)
		}
	}
}

// SyncProfiles starts a sync for every configured profile that is idle:
// incremental from the last completed job's cursor, or full when there is
// none. It returns the ids of started jobs.
func (d *Daemon) SyncProfiles(ctx context.Context) []string {
	var started []string
	for _, profile := range d.cfg.Sync.Profiles {
		if ctx.Err() != nil {
			return started
		}
		if d.coord.IsSyncActive(profile) {
			continue
		}
		jobID, err := d.startProfile(ctx, profile)
		switch {
		case err == nil:
			started = append(started, jobID)
		case errors.Is(err, syncerr.ErrNetworkRestricted), errors.Is(err, syncerr.ErrSyncInProgress):
			d.logger.Info("scheduled sync skipped",
				logging.String(logging.FieldProfileID, profile),
				logging.String("reason", syncerr.Kind(err)),
			)
		default:
			logging.WarnWithContext(d.logger, "scheduled sync not started", "scheduled_sync_failed",
				logging.String(logging.FieldProfileID, profile),
				logging.Error(err),
				logging.String(logging.FieldImpact, "profile is retried on the next interval"),
			)
		}
	}
	return started
}

func (d *Daemon) startProfile(ctx context.Context, profile string) (string, error) {
	cursor, err := d.coord.LastCursor(ctx, profile)
	if err != nil {
		return "", err
	}
	if cursor == "" {
		return d.coord.StartFullSync(ctx, profile)
	}
	return d.coord.StartIncrementalSync(ctx, profile, cursor)
}
