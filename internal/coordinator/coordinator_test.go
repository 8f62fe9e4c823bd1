package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"cloudsync/internal/catalog"
	"cloudsync/internal/config"
	"cloudsync/internal/conflict"
	"cloudsync/internal/coordinator"
	"cloudsync/internal/events"
	"cloudsync/internal/ingest"
	"cloudsync/internal/jobs"
	"cloudsync/internal/netstate"
	"cloudsync/internal/provider"
	"cloudsync/internal/provider/localfs"
	"cloudsync/internal/queue"
	"cloudsync/internal/syncerr"
	"cloudsync/internal/testsupport"
)

type harness struct {
	cfg   *config.Config
	coord *coordinator.Coordinator
	store *catalog.Store
	bus   *testsupport.EventRecorder
	root  string
}

func newLocalHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithLocalRoot()}, opts...)...)
	if err := os.MkdirAll(cfg.Provider.LocalRoot, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	src, err := localfs.New(cfg.Provider.LocalRoot, localfs.WithPageSize(cfg.Provider.PageSize))
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	h := newHarness(t, cfg, localfs.Kind, src, netstate.Static(true))
	h.root = cfg.Provider.LocalRoot
	return h
}

func newHarness(t *testing.T, cfg *config.Config, kind string, src provider.StorageProvider, network netstate.Checker) *harness {
	t.Helper()
	db := testsupport.MustOpenDB(t, cfg)
	providers := provider.NewRegistry()
	if err := providers.Register(kind, src); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	bus := &testsupport.EventRecorder{}
	coord, err := coordinator.NewDefault(cfg, db, testsupport.Sessions(kind, "alice", "bob"), network, providers, bus, nil)
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{cfg: cfg, coord: coord, store: catalog.NewStore(db), bus: bus}
}

func (h *harness) wait(t *testing.T, jobID string) *jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.coord.Wait(ctx, jobID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return job
}

func (h *harness) tracks(t *testing.T, profile string) map[string]*catalog.Track {
	t.Helper()
	list, err := h.store.List(context.Background(), catalog.Filter{ProviderID: coordinator.CatalogScope(localfs.Kind, profile)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make(map[string]*catalog.Track, len(list))
	for _, track := range list {
		out[track.RemoteID] = track
	}
	return out
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	testsupport.WriteFile(t, h.root, rel, []byte(content), time.Now().Add(-time.Hour))
}

func TestFullSyncCatalogsAudioFiles(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "Artist/Album/01 - First.mp3", "first track")
	h.write(t, "Artist/Album/02 - Second.flac", "second track")
	h.write(t, "loose.m4a", "third track")
	h.write(t, "notes.txt", "not audio")

	jobID, err := h.coord.StartFullSync(context.Background(), "alice")
	if err != nil {
		t.Fatalf("StartFullSync: %v", err)
	}
	job := h.wait(t, jobID)
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Stats != (jobs.Stats{Added: 3}) {
		t.Fatalf("unexpected stats: %+v", job.Stats)
	}
	if job.Cursor == "" {
		t.Fatal("expected a change cursor to be recorded")
	}
	if job.Progress.Phase != jobs.PhaseDone || job.Progress.Processed != 3 || job.Progress.Total != 3 {
		t.Fatalf("unexpected progress: %+v", job.Progress)
	}

	tracks := h.tracks(t, "alice")
	if len(tracks) != 3 {
		t.Fatalf("expected 3 tracks, got %d", len(tracks))
	}
	first := tracks["Artist/Album/01 - First.mp3"]
	if first == nil {
		t.Fatalf("missing first track: %v", tracks)
	}
	if first.Title != "First" || first.Artist != "Artist" || first.Album != "Album" {
		t.Fatalf("unexpected metadata: %+v", first)
	}
	if h.coord.IsSyncActive("alice") {
		t.Fatal("expected profile to be idle after completion")
	}

	types := h.bus.Types(jobID)
	if len(types) < 3 || types[0] != events.TypeStarted || types[len(types)-1] != events.TypeCompleted {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	for _, kind := range types[1 : len(types)-1] {
		if kind != events.TypeProgress {
			t.Fatalf("unexpected mid-job event %s in %v", kind, types)
		}
	}
}

func TestFullSyncSoftDeletesMissingFiles(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "keep.mp3", "keep me")
	h.write(t, "gone.mp3", "remove me")

	first := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	if first.Stats.Added != 2 {
		t.Fatalf("unexpected first stats: %+v", first.Stats)
	}

	if err := os.Remove(filepath.Join(h.root, "gone.mp3")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	second := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	if second.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", second.Status, second.Error)
	}
	if second.Stats != (jobs.Stats{Deleted: 1}) {
		t.Fatalf("unexpected second stats: %+v", second.Stats)
	}
	tracks := h.tracks(t, "alice")
	if len(tracks) != 1 || tracks["keep.mp3"] == nil {
		t.Fatalf("unexpected live tracks: %v", tracks)
	}
	total, err := h.store.Count(context.Background(), true)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected soft-deleted row to remain, got %d rows", total)
	}
}

func TestFullSyncDetectsRenameByContent(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "old-name.mp3", "same bytes")
	h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	before := h.tracks(t, "alice")["old-name.mp3"]
	if before == nil {
		t.Fatal("expected track for old name")
	}

	testsupport.MoveFile(t, h.root, "old-name.mp3", "moved/new-name.mp3", time.Time{})
	job := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	if job.Stats != (jobs.Stats{Updated: 1}) {
		t.Fatalf("unexpected stats: %+v", job.Stats)
	}
	tracks := h.tracks(t, "alice")
	after := tracks["moved/new-name.mp3"]
	if len(tracks) != 1 || after == nil {
		t.Fatalf("unexpected tracks after rename: %v", tracks)
	}
	if after.ID != before.ID {
		t.Fatalf("expected rename to keep track id %s, got %s", before.ID, after.ID)
	}
}

func TestIncrementalSyncAppliesChanges(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "a.mp3", "alpha")
	h.write(t, "b.mp3", "bravo")
	full := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))

	cursor, err := h.coord.LastCursor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LastCursor: %v", err)
	}
	if cursor != full.Cursor {
		t.Fatalf("expected last cursor %q, got %q", full.Cursor, cursor)
	}

	testsupport.WriteFile(t, h.root, "c.mp3", []byte("charlie"), time.Time{})
	testsupport.MoveFile(t, h.root, "b.mp3", filepath.Join(localfs.TrashDir, "b.mp3"), time.Time{})

	job := h.wait(t, mustStart(t)(h.coord.StartIncrementalSync(context.Background(), "alice", cursor)))
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if job.Stats != (jobs.Stats{Added: 1, Deleted: 1}) {
		t.Fatalf("unexpected stats: %+v", job.Stats)
	}
	if job.Cursor == cursor {
		t.Fatal("expected cursor to advance")
	}
	tracks := h.tracks(t, "alice")
	if len(tracks) != 2 || tracks["a.mp3"] == nil || tracks["c.mp3"] == nil {
		t.Fatalf("unexpected tracks: %v", tracks)
	}
}

func TestProfilesKeepSeparateCatalogs(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "shared.mp3", "shared")
	h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "bob")))

	if got := len(h.tracks(t, "alice")); got != 1 {
		t.Fatalf("expected alice to keep 1 track, got %d", got)
	}
	if got := len(h.tracks(t, "bob")); got != 1 {
		t.Fatalf("expected bob to have 1 track, got %d", got)
	}
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("incremental without cursor", func(t *testing.T) {
		h := newLocalHarness(t)
		_, err := h.coord.StartIncrementalSync(ctx, "alice", " ")
		if !errors.Is(err, syncerr.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("unknown profile", func(t *testing.T) {
		h := newLocalHarness(t)
		_, err := h.coord.StartFullSync(ctx, "mallory")
		if !errors.Is(err, syncerr.ErrNotAuthenticated) {
			t.Fatalf("expected ErrNotAuthenticated, got %v", err)
		}
	})

	t.Run("metered network", func(t *testing.T) {
		cfg := testsupport.NewConfig(t, testsupport.WithWiFiOnly(true))
		h := newHarness(t, cfg, "fake", testsupport.NewFakeProvider(10), netstate.Static(false))
		_, err := h.coord.StartFullSync(ctx, "alice")
		if !errors.Is(err, syncerr.ErrNetworkRestricted) {
			t.Fatalf("expected ErrNetworkRestricted, got %v", err)
		}
	})

	t.Run("unregistered provider", func(t *testing.T) {
		cfg := testsupport.NewConfig(t)
		db := testsupport.MustOpenDB(t, cfg)
		coord, err := coordinator.NewDefault(cfg, db, testsupport.Sessions("dropbox", "alice"), nil, provider.NewRegistry(), nil, nil)
		if err != nil {
			t.Fatalf("NewDefault: %v", err)
		}
		_, err = coord.StartFullSync(ctx, "alice")
		if !errors.Is(err, syncerr.ErrProviderNotRegistered) {
			t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
		}
	})
}

func TestOneActiveSyncPerProfile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fake := testsupport.NewFakeProvider(10)
	fake.BlockListing = true
	h := newHarness(t, cfg, "fake", fake, nil)
	ctx := context.Background()

	first := mustStart(t)(h.coord.StartFullSync(ctx, "alice"))
	<-fake.Listing
	if !h.coord.IsSyncActive("alice") {
		t.Fatal("expected alice to be active")
	}
	if _, err := h.coord.StartFullSync(ctx, "alice"); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	other := mustStart(t)(h.coord.StartFullSync(ctx, "bob"))
	if got := h.coord.ActiveJobs(); len(got) != 2 || !slices.Contains(got, first) || !slices.Contains(got, other) {
		t.Fatalf("unexpected active jobs: %v", got)
	}

	for _, id := range []string{first, other} {
		if err := h.coord.CancelSync(ctx, id); err != nil {
			t.Fatalf("CancelSync(%s): %v", id, err)
		}
	}
}

func TestCancelSyncStopsDiscovery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fake := testsupport.NewFakeProvider(10)
	fake.BlockListing = true
	h := newHarness(t, cfg, "fake", fake, nil)
	ctx := context.Background()

	jobID := mustStart(t)(h.coord.StartFullSync(ctx, "alice"))
	<-fake.Listing
	if err := h.coord.CancelSync(ctx, jobID); err != nil {
		t.Fatalf("CancelSync: %v", err)
	}
	if h.coord.IsSyncActive("alice") {
		t.Fatal("expected profile to be released after cancel")
	}
	job, err := h.coord.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if job.Status != jobs.StatusCancelled || job.CompletedAt == nil {
		t.Fatalf("expected cancelled job, got %+v", job)
	}
	types := h.bus.Types(jobID)
	if types[len(types)-1] != events.TypeCancelled {
		t.Fatalf("expected cancelled event last, got %v", types)
	}
	if err := h.coord.CancelSync(ctx, jobID); !errors.Is(err, syncerr.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second cancel, got %v", err)
	}
	if err := h.coord.CancelSync(ctx, "missing"); !errors.Is(err, syncerr.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fake := testsupport.NewFakeProvider(10)
	fake.BlockListing = true
	h := newHarness(t, cfg, "fake", fake, nil)
	ctx := context.Background()

	jobID := mustStart(t)(h.coord.StartFullSync(ctx, "alice"))
	<-fake.Listing
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	job, err := h.coord.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if job.Status != jobs.StatusFailed || job.Error != jobs.InterruptedMessage {
		t.Fatalf("expected interrupted failure, got %s (%s)", job.Status, job.Error)
	}
	if _, err := h.coord.StartFullSync(ctx, "alice"); !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected start after shutdown to fail, got %v", err)
	}
}

func TestJobTimeoutFailsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Sync.JobTimeoutSeconds = 1
	cfg.Sync.ItemTimeoutSeconds = 1
	fake := testsupport.NewFakeProvider(10)
	fake.BlockListing = true
	h := newHarness(t, cfg, "fake", fake, nil)

	job := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %s (%s)", job.Status, job.Error)
	}
}

func TestListingErrorFailsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fake := testsupport.NewFakeProvider(10)
	fake.ListErr = errors.New("503 from vendor")
	h := newHarness(t, cfg, "fake", fake, nil)

	job := h.wait(t, mustStart(t)(h.coord.StartFullSync(context.Background(), "alice")))
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "503 from vendor") {
		t.Fatalf("expected listing failure, got %s (%s)", job.Status, job.Error)
	}
	types := h.bus.Types(job.ID)
	if types[len(types)-1] != events.TypeFailed {
		t.Fatalf("expected failed event last, got %v", types)
	}
}

func TestItemFailuresDoNotFailJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(2))
	db := testsupport.MustOpenDB(t, cfg)
	fake := testsupport.NewFakeProvider(10)
	now := time.Now().Add(-time.Hour)
	fake.AddFile("good.mp3", "audio/mpeg", []byte("good"), now)
	fake.AddFile("bad.mp3", "audio/mpeg", []byte("bad"), now)
	fake.AddFile("cover.jpg", "image/jpeg", []byte("jpeg"), now)

	providers := provider.NewRegistry()
	if err := providers.Register("fake", fake); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolver := conflict.NewResolver(db, conflict.Options{Policy: cfg.Sync.ConflictPolicy})
	q := queue.New(db, queue.Options{MaxConcurrent: cfg.Queue.MaxConcurrent})
	attempts := make(chan string, 16)
	coord, err := coordinator.New(cfg, coordinator.Dependencies{
		Jobs:         jobs.NewRepository(db),
		Queue:        q,
		Resolver:     resolver,
		Orchestrator: conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{}),
		Processor: ingest.ProcessorFunc(func(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (ingest.Result, error) {
			attempts <- item.RemoteFileID
			if item.RemoteFileID == "bad.mp3" {
				return ingest.Result{}, fmt.Errorf("corrupt header")
			}
			return ingest.Result{TrackID: "t-good", IsNew: true}, nil
		}),
		Sessions:  testsupport.Sessions("fake", "alice"),
		Providers: providers,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	jobID := mustStart(t)(coord.StartFullSync(ctx, "alice"))
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	job, err := coord.Wait(waitCtx, jobID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed despite item failure, got %s (%s)", job.Status, job.Error)
	}
	if job.Stats != (jobs.Stats{Added: 1, Failed: 1}) {
		t.Fatalf("unexpected stats: %+v", job.Stats)
	}
	close(attempts)
	bad := 0
	for id := range attempts {
		if id == "bad.mp3" {
			bad++
		}
	}
	if bad != queue.MaxRetries+1 {
		t.Fatalf("expected %d attempts for the failing item, got %d", queue.MaxRetries+1, bad)
	}
	failed, err := q.List(ctx, jobID, queue.StatusFailed)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "corrupt header" {
		t.Fatalf("unexpected failed items: %+v", failed)
	}
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	ctx := context.Background()

	repo := jobs.NewRepository(db)
	stale := jobs.New("alice", "fake", jobs.SyncFull, "")
	if err := stale.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := repo.Create(ctx, stale); err != nil {
		t.Fatalf("Create: %v", err)
	}
	q := queue.New(db, queue.Options{MaxConcurrent: 1})
	if _, err := q.Enqueue(ctx, queue.NewItem{JobID: stale.ID, RemoteFileID: "left.mp3"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	providers := provider.NewRegistry()
	coord, err := coordinator.NewDefault(cfg, db, testsupport.Sessions("fake"), nil, providers, nil, nil)
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	if err := coord.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := repo.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.StatusFailed || got.Error != jobs.InterruptedMessage {
		t.Fatalf("expected interrupted job to fail, got %s (%s)", got.Status, got.Error)
	}
	stats, err := q.StatsForJob(ctx, stale.ID)
	if err != nil {
		t.Fatalf("StatsForJob: %v", err)
	}
	if stats.Pending != 0 || stats.Failed != 1 {
		t.Fatalf("expected queued item to be failed, got %+v", stats)
	}
}

// mustStart returns a checker for the (jobID, error) pair of a Start call.
func mustStart(t *testing.T) func(string, error) string {
	t.Helper()
	return func(jobID string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("start sync: %v", err)
		}
		return jobID
	}
}

func TestStartSyncResumesFromLastCursor(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "one.mp3", "one")
	ctx := context.Background()

	if _, err := h.coord.StartSync(ctx, "alice", jobs.SyncIncremental, ""); !errors.Is(err, syncerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input without history, got %v", err)
	}
	if _, err := h.coord.StartSync(ctx, "alice", "mirror", ""); !errors.Is(err, syncerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown type, got %v", err)
	}

	full, err := h.coord.StartSync(ctx, "alice", jobs.SyncFull, "")
	if err != nil {
		t.Fatalf("StartSync full: %v", err)
	}
	fullJob := h.wait(t, full)
	if fullJob.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed full sync, got %s (%s)", fullJob.Status, fullJob.Error)
	}

	inc, err := h.coord.StartSync(ctx, "alice", jobs.SyncIncremental, "")
	if err != nil {
		t.Fatalf("StartSync incremental: %v", err)
	}
	incJob, err := h.coord.GetStatus(ctx, inc)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if incJob.Type != jobs.SyncIncremental {
		t.Fatalf("expected incremental job, got %s", incJob.Type)
	}
	if done := h.wait(t, inc); done.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed incremental sync, got %s (%s)", done.Status, done.Error)
	}
}

func TestCancelDuringProcessingKeepsCommittedItems(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(1))
	db := testsupport.MustOpenDB(t, cfg)
	fake := testsupport.NewFakeProvider(10)
	now := time.Now().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		fake.AddFile(fmt.Sprintf("%02d.mp3", i), "audio/mpeg", []byte(fmt.Sprintf("track %d", i)), now)
	}
	providers := provider.NewRegistry()
	if err := providers.Register("fake", fake); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolver := conflict.NewResolver(db, conflict.Options{Policy: cfg.Sync.ConflictPolicy})
	q := queue.New(db, queue.Options{MaxConcurrent: cfg.Queue.MaxConcurrent})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	coord, err := coordinator.New(cfg, coordinator.Dependencies{
		Jobs:         jobs.NewRepository(db),
		Queue:        q,
		Resolver:     resolver,
		Orchestrator: conflict.NewOrchestrator(resolver, conflict.OrchestratorOptions{}),
		Processor: ingest.ProcessorFunc(func(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (ingest.Result, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return ingest.Result{TrackID: "t-" + item.RemoteFileID, IsNew: true}, nil
		}),
		Sessions:  testsupport.Sessions("fake", "alice"),
		Providers: providers,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	ctx := context.Background()
	jobID := mustStart(t)(coord.StartFullSync(ctx, "alice"))
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("processor was never called")
	}

	// The in-flight item holds the only permit, so the cancel cannot finish
	// until it is released.
	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := coord.CancelSync(cancelCtx, jobID); !errors.Is(err, syncerr.ErrTimeout) {
		t.Fatalf("expected cancel to wait for the in-flight item, got %v", err)
	}
	close(release)

	waitCtx, stop := context.WithTimeout(ctx, 10*time.Second)
	defer stop()
	job, err := coord.Wait(waitCtx, jobID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.Status != jobs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s (%s)", job.Status, job.Error)
	}
	if job.Stats != (jobs.Stats{Added: 1}) {
		t.Fatalf("expected the in-flight item to be kept, got %+v", job.Stats)
	}

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected no item to start after cancel, got %d calls", got)
	}
	stats, err := q.StatsForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("StatsForJob: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 4 || stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("unexpected queue state after cancel: %+v", stats)
	}
	if q.AvailablePermits() != 1 {
		t.Fatalf("expected the permit back, have %d free", q.AvailablePermits())
	}
}

func TestShutdownRacingStartsLeavesNoLiveJobs(t *testing.T) {
	h := newLocalHarness(t)
	h.write(t, "one.mp3", "one")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []string
	)
	for i := 0; i < 20; i++ {
		profile := "alice"
		if i%2 == 1 {
			profile = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.coord.StartFullSync(ctx, profile)
			switch {
			case err == nil:
				mu.Lock()
				started = append(started, id)
				mu.Unlock()
			case errors.Is(err, syncerr.ErrCancelled), errors.Is(err, syncerr.ErrSyncInProgress):
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	if active := h.coord.ActiveJobs(); len(active) != 0 {
		t.Fatalf("expected no active jobs after shutdown, got %v", active)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range started {
		job, err := h.coord.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", id, err)
		}
		if !job.Status.IsTerminal() {
			t.Fatalf("job %s still %s after shutdown", id, job.Status)
		}
	}
}

func TestRegisterProviderMakesKindAvailable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	coord, err := coordinator.NewDefault(cfg, db, testsupport.Sessions("fake", "alice"), nil, provider.NewRegistry(), nil, nil)
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	ctx := context.Background()

	if _, err := coord.StartFullSync(ctx, "alice"); !errors.Is(err, syncerr.ErrProviderNotRegistered) {
		t.Fatalf("expected unregistered provider, got %v", err)
	}
	if err := coord.RegisterProvider("", testsupport.NewFakeProvider(10)); !errors.Is(err, syncerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty kind, got %v", err)
	}

	fake := testsupport.NewFakeProvider(10)
	fake.AddFile("song.mp3", "audio/mpeg", []byte("song"), time.Now().Add(-time.Hour))
	if err := coord.RegisterProvider("fake", fake); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	job, err := coord.Wait(waitCtx, mustStart(t)(coord.StartFullSync(ctx, "alice")))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.Stats.Added != 1 {
		t.Fatalf("unexpected job: %s %+v (%s)", job.Status, job.Stats, job.Error)
	}
}
