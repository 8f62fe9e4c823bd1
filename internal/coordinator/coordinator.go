package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cloudsync/internal/auth"
	"cloudsync/internal/catalog"
	"cloudsync/internal/config"
	"cloudsync/internal/conflict"
	"cloudsync/internal/events"
	"cloudsync/internal/ingest"
	"cloudsync/internal/jobs"
	"cloudsync/internal/logging"
	"cloudsync/internal/netstate"
	"cloudsync/internal/provider"
	"cloudsync/internal/queue"
	"cloudsync/internal/syncerr"
)

// Cancellation causes attached to a job's context.
var (
	errUserCancelled = errors.New("cancelled by request")
	errShutdown      = errors.New("coordinator shutting down")
	errJobTimeout    = errors.New("sync job timed out")
)

// Dependencies are the collaborators a Coordinator drives.
type Dependencies struct {
	Jobs         *jobs.Repository
	Queue        *queue.Queue
	Resolver     *conflict.Resolver
	Orchestrator *conflict.Orchestrator
	Processor    ingest.Processor
	Sessions     auth.Source
	Network      netstate.Checker
	Providers    *provider.Registry
	// Registry defaults to a fresh registry owned by this coordinator.
	Registry *Registry
	Bus      events.Bus
	Logger   *slog.Logger
}

// Coordinator starts, tracks and cancels sync jobs.
type Coordinator struct {
	cfg          *config.Config
	jobs         *jobs.Repository
	queue        *queue.Queue
	resolver     *conflict.Resolver
	orchestrator *conflict.Orchestrator
	processor    ingest.Processor
	sessions     auth.Source
	network      netstate.Checker
	providers    *provider.Registry
	registry     *Registry
	bus          events.Bus
	logger       *slog.Logger
	limiter      *rate.Limiter

	baseCtx context.Context
	stop    context.CancelCauseFunc

	// mu guards closed and every wg.Add so no run starts once Shutdown waits.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New validates deps and returns a Coordinator.
func New(cfg *config.Config, deps Dependencies) (*Coordinator, error) {
	if cfg == nil {
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "new", "config is required", nil)
	}
	switch {
	case deps.Jobs == nil, deps.Queue == nil, deps.Resolver == nil, deps.Orchestrator == nil:
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "new", "job repository, queue and conflict resolution are required", nil)
	case deps.Processor == nil, deps.Sessions == nil, deps.Providers == nil:
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "coordinator", "new", "processor, sessions and providers are required", nil)
	}
	network := deps.Network
	if network == nil {
		network = netstate.Static(true)
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.Discard
	}
	burst := int(cfg.Provider.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Coordinator{
		cfg:          cfg,
		jobs:         deps.Jobs,
		queue:        deps.Queue,
		resolver:     deps.Resolver,
		orchestrator: deps.Orchestrator,
		processor:    deps.Processor,
		sessions:     deps.Sessions,
		network:      network,
		providers:    deps.Providers,
		registry:     registry,
		bus:          bus,
		logger:       logging.NewComponentLogger(deps.Logger, "coordinator"),
		limiter:      rate.NewLimiter(rate.Limit(cfg.Provider.RequestsPerSecond), burst),
		baseCtx:      baseCtx,
		stop:         stop,
	}, nil
}

// NewDefault wires the standard SQLite-backed stack over db.
func NewDefault(cfg *config.Config, db *sql.DB, sessions auth.Source, network netstate.Checker, providers *provider.Registry, bus events.Bus, logger *slog.Logger) (*Coordinator, error) {
	if bus == nil {
		bus = events.Discard
	}
	resolver := conflict.NewResolver(db, conflict.Options{
		Policy: cfg.Sync.ConflictPolicy,
		Logger: logger,
	})
	return New(cfg, Dependencies{
		Jobs:     jobs.NewRepository(db),
		Queue:    queue.New(db, queue.Options{MaxConcurrent: cfg.Queue.MaxConcurrent}),
		Resolver: resolver,
		Orchestrator: conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{
			HardDelete: cfg.Sync.HardDelete,
			Bus:        bus,
			Logger:     logger,
		}),
		Processor: ingest.NewCatalogProcessor(catalog.NewStore(db), resolver, logger),
		Sessions:  sessions,
		Network:   network,
		Providers: providers,
		Bus:       bus,
		Logger:    logger,
	})
}

// RegisterProvider makes p available to profiles whose session names kind.
func (c *Coordinator) RegisterProvider(kind string, p provider.StorageProvider) error {
	return c.providers.Register(kind, p)
}

// track reserves a slot in the run group. It fails once Shutdown has begun.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// CatalogScope is the provider id tracks of profileID are stored under, so
// profiles sharing a provider kind keep separate catalogs.
func CatalogScope(providerKind, profileID string) string {
	return providerKind + "/" + profileID
}

// Queue exposes the scan queue for maintenance commands.
func (c *Coordinator) Queue() *queue.Queue {
	return c.queue
}

// IsSyncActive reports whether profileID has a sync running.
func (c *Coordinator) IsSyncActive(profileID string) bool {
	return c.registry.IsActive(profileID)
}

// ActiveJobs returns the ids of running jobs.
func (c *Coordinator) ActiveJobs() []string {
	return c.registry.ActiveJobs()
}

// GetStatus returns the persisted state of a job.
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (*jobs.Job, error) {
	if jobID == "" {
		return nil, syncerr.Wrap(syncerr.ErrInvalidJobID, "coordinator", "status", "job id is required", nil)
	}
	return c.jobs.Get(ctx, jobID)
}

// ListHistory returns the newest jobs of profileID first.
func (c *Coordinator) ListHistory(ctx context.Context, profileID string, limit int) ([]*jobs.Job, error) {
	return c.jobs.ListByProfile(ctx, profileID, limit)
}

// LastCursor returns the cursor of the newest completed job of profileID
// against its current provider, or "" when there is none.
func (c *Coordinator) LastCursor(ctx context.Context, profileID string) (string, error) {
	session, err := c.session(ctx, profileID)
	if err != nil {
		return "", err
	}
	job, err := c.jobs.LatestCompleted(ctx, profileID, session.Provider)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", nil
	}
	return job.Cursor, nil
}

// CancelSync stops a job. Running jobs are signalled and awaited; pending
// jobs without a runner are cancelled in place. Cancelling a finished job
// fails with syncerr.ErrInvalidStatus.
func (c *Coordinator) CancelSync(ctx context.Context, jobID string) error {
	if jobID == "" {
		return syncerr.Wrap(syncerr.ErrInvalidJobID, "coordinator", "cancel", "job id is required", nil)
	}
	if active := c.registry.job(jobID); active != nil {
		active.cancel(errUserCancelled)
		select {
		case <-active.done:
			return nil
		case <-ctx.Done():
			return syncerr.Wrap(syncerr.ErrTimeout, "coordinator", "cancel", "waiting for job to stop", ctx.Err())
		}
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(); err != nil {
		return err
	}
	if err := c.jobs.Update(ctx, job); err != nil {
		return err
	}
	if _, err := c.queue.AbandonJob(ctx, job.ID, "job cancelled", true); err != nil {
		logging.WarnWithContext(c.logger, "abandon work items failed", "queue_abandon_failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "pending items stay queued until cleanup"),
		)
	}
	c.publish(ctx, job, events.TypeCancelled, "")
	return nil
}

// Wait blocks until jobID is no longer running or ctx is done, then returns
// the job's persisted state.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (*jobs.Job, error) {
	if active := c.registry.job(jobID); active != nil {
		select {
		case <-active.done:
		case <-ctx.Done():
			return nil, syncerr.Wrap(syncerr.ErrTimeout, "coordinator", "wait", jobID, ctx.Err())
		}
	}
	return c.jobs.Get(ctx, jobID)
}

// Recover repairs state left behind by an unclean stop: processing items past
// the stale cutoff are requeued, and jobs still pending or running are failed
// together with their queued items. Call it before starting new syncs.
func (c *Coordinator) Recover(ctx context.Context) error {
	if active := c.registry.ActiveJobs(); len(active) > 0 {
		return syncerr.Wrap(syncerr.ErrSyncInProgress, "coordinator", "recover", "syncs are running", nil)
	}
	reclaimed, err := c.queue.ReclaimStale(ctx, time.Now().Add(-c.cfg.StaleAfter()))
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		c.logger.Info("reclaimed stale work items", logging.Int64("count", reclaimed))
	}
	interrupted, err := c.jobs.FailInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, id := range interrupted {
		abandoned, err := c.queue.AbandonJob(ctx, id, jobs.InterruptedMessage, true)
		if err != nil {
			return err
		}
		c.logger.Info("failed interrupted sync job",
			logging.String(logging.FieldJobID, id),
			logging.Int64("abandoned_items", abandoned),
		)
	}
	return nil
}

// Shutdown interrupts every running job and waits for them to record their
// outcome, or for ctx to end. No new syncs are accepted afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop(errShutdown)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return syncerr.Wrap(syncerr.ErrTimeout, "coordinator", "shutdown", "waiting for running jobs", ctx.Err())
	}
}

func (c *Coordinator) publish(ctx context.Context, job *jobs.Job, kind events.Type, message string) {
	c.bus.Publish(ctx, events.Event{
		Type:      kind,
		JobID:     job.ID,
		ProfileID: job.ProfileID,
		Provider:  job.Provider,
		SyncType:  string(job.Type),
		Phase:     job.Progress.Phase,
		Processed: job.Progress.Processed,
		Total:     job.Progress.Total,
		Percent:   job.Progress.Percent,
		Counts: events.Counts{
			Added:   job.Stats.Added,
			Updated: job.Stats.Updated,
			Deleted: job.Stats.Deleted,
			Failed:  job.Stats.Failed,
		},
		Duration: job.Duration(),
		Message:  message,
		Time:     time.Now().UTC(),
	})
}
