package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"cloudsync/internal/config"
	"cloudsync/internal/coordinator"
	"cloudsync/internal/logging"
	"cloudsync/internal/netstate"
	"cloudsync/internal/queue"
)

const shutdownTimeout = 30 * time.Second

// Daemon runs scheduled syncs and serves the control API, and enforces
// single-instance execution.
type Daemon struct {
	cfg     *config.Config
	coord   *coordinator.Coordinator
	monitor *netstate.Monitor
	logger  *slog.Logger
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running    bool        `json:"running"`
	PID        int         `json:"pid"`
	ActiveJobs []string    `json:"active_jobs"`
	Profiles   []string    `json:"profiles"`
	Queue      queue.Stats `json:"queue"`
	DBPath     string      `json:"db_path"`
	LockPath   string      `json:"lock_path"`
	SocketPath string      `json:"socket_path"`
}

// New constructs a daemon. monitor may be nil.
func New(cfg *config.Config, coord *coordinator.Coordinator, monitor *netstate.Monitor, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || coord == nil {
		return nil, errors.New("daemon requires config and coordinator")
	}
	d := &Daemon{
		cfg:      cfg,
		coord:    coord,
		monitor:  monitor,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg.SocketPath(), d, d.logger)
	return d, nil
}

// Start acquires the daemon lock, recovers interrupted work, and launches
// the background loops and the control API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another cloudsync daemon instance is already running")
	}

	if err := d.coord.Recover(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("recover interrupted syncs: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	if err := d.monitor.Start(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "network monitor start failed", "netstate_monitor_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "network state refreshes on cache expiry only"),
		)
	}
	d.cancel = cancel

	d.wg.Add(1)
	go d.sweepLoop(runCtx)
	if interval := d.cfg.AutoSyncInterval(); interval > 0 && len(d.cfg.Sync.Profiles) > 0 {
		d.wg.Add(1)
		go d.scheduleLoop(runCtx, interval)
	}

	d.running.Store(true)
	d.logger.Info("cloudsync daemon started",
		logging.String("lock", d.lockPath),
		logging.String("socket", d.cfg.SocketPath()),
		logging.Int("profiles", len(d.cfg.Sync.Profiles)),
	)
	return nil
}

// Stop interrupts running syncs, stops background loops, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.api.stop()
	d.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.coord.Shutdown(shutdownCtx); err != nil {
		logging.WarnWithContext(d.logger, "sync shutdown incomplete", "coordinator_shutdown_timeout",
			logging.Error(err),
			logging.String(logging.FieldImpact, "interrupted jobs are failed on next start"),
		)
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("cloudsync daemon stopped")
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Coordinator exposes the sync coordinator the daemon drives.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coord
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	stats, err := d.coord.Queue().Stats(ctx)
	if err != nil {
		d.logger.Warn("queue stats unavailable", logging.Error(err))
	}
	return Status{
		Running:    d.running.Load(),
		PID:        pid(),
		ActiveJobs: d.coord.ActiveJobs(),
		Profiles:   append([]string(nil), d.cfg.Sync.Profiles...),
		Queue:      stats,
		DBPath:     d.cfg.DatabasePath(),
		LockPath:   d.lockPath,
		SocketPath: d.cfg.SocketPath(),
	}
}
