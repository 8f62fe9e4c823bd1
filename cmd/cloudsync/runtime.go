package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"cloudsync/internal/auth"
	"cloudsync/internal/config"
	"cloudsync/internal/coordinator"
	"cloudsync/internal/database"
	"cloudsync/internal/events"
	"cloudsync/internal/netstate"
	"cloudsync/internal/notifications"
	"cloudsync/internal/provider"
	"cloudsync/internal/provider/localfs"
)

const shutdownTimeout = 30 * time.Second

// runtime is the coordinator stack shared by `daemon run` and in-process
// sync commands.
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	coord    *coordinator.Coordinator
	checker  *netstate.SysfsChecker
	sessions *auth.FileStore
	notifier *notifications.Notifier
	events   *events.Broadcaster
	lock     *flock.Flock
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	db, err := database.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		db:       db,
		checker:  netstate.NewSysfsChecker(cfg.Network.MeteredInterfaces),
		sessions: auth.NewFileStore(cfg.Paths.SessionFile),
		notifier: notifications.New(cfg, logger),
		events:   events.NewBroadcaster(),
	}
	buses := []events.Bus{events.NewLogSink(logger), rt.events}
	if rt.notifier != nil {
		buses = append(buses, rt.notifier)
	}

	rt.coord, err = coordinator.NewDefault(cfg, db, rt.sessions, rt.checker, providers, events.Multi(buses...), logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return rt, nil
}

// openLocalRuntime takes the data directory lock, builds the stack and fails
// any jobs a previous process left running.
func openLocalRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	lock, err := acquireDataLock(cfg)
	if err != nil {
		return nil, err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	rt.lock = lock
	if err := rt.coord.Recover(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("recover interrupted syncs: %w", err)
	}
	return rt, nil
}

// acquireDataLock takes the lock the daemon holds while running.
func acquireDataLock(cfg *config.Config) (*flock.Flock, error) {
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("data directory is in use by another cloudsync process")
	}
	return lock, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = r.coord.Shutdown(ctx)
	if r.notifier != nil {
		r.notifier.Close()
	}
	_ = r.db.Close()
	if r.lock != nil {
		_ = r.lock.Unlock()
	}
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	providers := provider.NewRegistry()
	root := strings.TrimSpace(cfg.Provider.LocalRoot)
	if root == "" {
		return providers, nil
	}
	src, err := localfs.New(root, localfs.WithPageSize(cfg.Provider.PageSize))
	if err != nil {
		return nil, fmt.Errorf("local provider: %w", err)
	}
	if err := providers.Register(localfs.Kind, src); err != nil {
		return nil, err
	}
	return providers, nil
}

// openDB opens the database for read-only commands. It never takes the lock.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
