package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloudsync/internal/queue"
	"cloudsync/internal/syncerr"
	"cloudsync/internal/testsupport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T, maxConcurrent int) (*queue.Queue, *fakeClock) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	clock := newFakeClock()
	return queue.New(db, queue.Options{MaxConcurrent: maxConcurrent, Now: clock.Now}), clock
}

func enqueue(t *testing.T, q *queue.Queue, remoteID string, priority queue.Priority) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.NewItem{
		JobID:        "job-1",
		RemoteFileID: remoteID,
		FileName:     remoteID + ".mp3",
		MimeType:     "audio/mpeg",
		FileSize:     1024,
		Priority:     priority,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestNextRetryDelayDoubles(t *testing.T) {
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for n, expected := range want {
		if got := queue.NextRetryDelay(n); got != expected {
			t.Fatalf("NextRetryDelay(%d) = %v, want %v", n, got, expected)
		}
	}
}

func TestDequeuePrefersHighestPriority(t *testing.T) {
	q, _ := newQueue(t, 3)
	ctx := context.Background()

	enqueue(t, q, "low", queue.PriorityLow)
	enqueue(t, q, "normal", queue.PriorityNormal)
	highID := enqueue(t, q, "high", queue.PriorityHigh)

	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item == nil || item.ID != highID {
		t.Fatalf("expected high priority item first, got %#v", item)
	}
	if item.Status != queue.StatusProcessing {
		t.Fatalf("expected processing status, got %s", item.Status)
	}
	if item.StartedAt == nil {
		t.Fatal("expected started_at to be set on dequeue")
	}
}

func TestDequeueIsFIFOWithinPriority(t *testing.T) {
	q, _ := newQueue(t, 3)
	ctx := context.Background()

	first := enqueue(t, q, "a", queue.PriorityNormal)
	second := enqueue(t, q, "b", queue.PriorityNormal)

	for _, want := range []string{first, second} {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if item == nil || item.ID != want {
			t.Fatalf("expected %s, got %#v", want, item)
		}
		if err := q.MarkComplete(ctx, item.ID); err != nil {
			t.Fatalf("MarkComplete: %v", err)
		}
	}
}

func TestDequeueEmptyReleasesPermit(t *testing.T) {
	q, _ := newQueue(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item from empty queue, got %#v", item)
		}
	}
	if got := q.AvailablePermits(); got != 1 {
		t.Fatalf("expected permit to be released, available=%d", got)
	}
}

func TestDequeueBlocksAtConcurrencyBound(t *testing.T) {
	q, _ := newQueue(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		enqueue(t, q, fmt.Sprintf("file-%d", i), queue.PriorityNormal)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("first Dequeue: %v %#v", err, first)
	}
	second, err := q.Dequeue(ctx)
	if err != nil || second == nil {
		t.Fatalf("second Dequeue: %v %#v", err, second)
	}
	if got := q.AvailablePermits(); got != 0 {
		t.Fatalf("expected no free permits, got %d", got)
	}

	result := make(chan *queue.WorkItem, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("third Dequeue: %v", err)
		}
		result <- item
	}()

	select {
	case item := <-result:
		t.Fatalf("third dequeue returned before a permit was released: %#v", item)
	case <-time.After(100 * time.Millisecond):
	}

	if err := q.MarkComplete(ctx, first.ID); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	select {
	case item := <-result:
		if item == nil {
			t.Fatal("expected third dequeue to return an item")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third dequeue did not unblock after MarkComplete")
	}
}

func TestDequeueHonoursContextWhileBlocked(t *testing.T) {
	q, _ := newQueue(t, 1)
	enqueue(t, q, "a", queue.PriorityNormal)
	enqueue(t, q, "b", queue.PriorityNormal)

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, syncerr.ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled deadline error, got %v", err)
	}
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	q, clock := newQueue(t, 1)
	ctx := context.Background()
	id := enqueue(t, q, "flaky", queue.PriorityNormal)

	lastRetry := 0
	for attempt := 0; attempt <= queue.MaxRetries; attempt++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue attempt %d: %v", attempt, err)
		}
		if item == nil || item.ID != id {
			t.Fatalf("attempt %d: expected item %s, got %#v", attempt, id, item)
		}
		if item.RetryCount < lastRetry {
			t.Fatalf("retry_count decreased from %d to %d", lastRetry, item.RetryCount)
		}
		lastRetry = item.RetryCount

		status, err := q.MarkFailed(ctx, id, fmt.Sprintf("attempt %d failed", attempt))
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if attempt < queue.MaxRetries {
			if status != queue.StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, status)
			}
			clock.Advance(queue.NextRetryDelay(attempt))
		} else if status != queue.StatusFailed {
			t.Fatalf("expected failed at retry bound, got %s", status)
		}
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != queue.StatusFailed || item.RetryCount != queue.MaxRetries {
		t.Fatalf("unexpected terminal item: status=%s retry=%d", item.Status, item.RetryCount)
	}
	if item.ErrorMessage != "attempt 3 failed" {
		t.Fatalf("unexpected error message %q", item.ErrorMessage)
	}

	next, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after failure: %v", err)
	}
	if next != nil {
		t.Fatalf("failed item must not be redelivered, got %#v", next)
	}
}

func TestMarkFailedEnforcesBackoff(t *testing.T) {
	q, clock := newQueue(t, 1)
	ctx := context.Background()
	id := enqueue(t, q, "slow", queue.PriorityNormal)

	item, err := q.Dequeue(ctx)
	if err != nil || item == nil {
		t.Fatalf("Dequeue: %v %#v", err, item)
	}
	if _, err := q.MarkFailed(ctx, id, "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	early, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if early != nil {
		t.Fatalf("expected item to wait out its backoff, got %#v", early)
	}

	clock.Advance(queue.NextRetryDelay(0))
	retried, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if retried == nil || retried.ID != id || retried.RetryCount != 1 {
		t.Fatalf("expected retried item with retry_count 1, got %#v", retried)
	}
}

func TestMarkCompleteUnknownItem(t *testing.T) {
	q, _ := newQueue(t, 1)
	err := q.MarkComplete(context.Background(), "missing")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTerminalItemsAreImmutable(t *testing.T) {
	q, _ := newQueue(t, 1)
	ctx := context.Background()
	id := enqueue(t, q, "done", queue.PriorityNormal)
	item, err := q.Dequeue(ctx)
	if err != nil || item == nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.MarkComplete(ctx, id); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if err := q.MarkComplete(ctx, id); !errors.Is(err, syncerr.ErrInvalidStatus) {
		t.Fatalf("expected invalid status completing twice, got %v", err)
	}
	if _, err := q.MarkFailed(ctx, id, "late failure"); !errors.Is(err, syncerr.ErrInvalidStatus) {
		t.Fatalf("expected invalid status failing a completed item, got %v", err)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	q, clock := newQueue(t, 2)
	ctx := context.Background()

	doneID := enqueue(t, q, "done", queue.PriorityHigh)
	failID := enqueue(t, q, "fail", queue.PriorityNormal)
	enqueue(t, q, "waiting", queue.PriorityLow)

	if item, _ := q.Dequeue(ctx); item == nil || item.ID != doneID {
		t.Fatalf("expected %s first", doneID)
	}
	if err := q.MarkComplete(ctx, doneID); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	for attempt := 0; attempt <= queue.MaxRetries; attempt++ {
		item, err := q.Dequeue(ctx)
		if err != nil || item == nil || item.ID != failID {
			t.Fatalf("attempt %d: expected %s, got %#v (%v)", attempt, failID, item, err)
		}
		if _, err := q.MarkFailed(ctx, failID, "bad file"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		clock.Advance(time.Second)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 || stats.Completed != 1 || stats.Failed != 1 || stats.Processing != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvailablePermits != 2 || stats.MaxConcurrent != 2 {
		t.Fatalf("unexpected permits: %+v", stats)
	}

	removed, err := q.CleanupCompleted(ctx)
	if err != nil {
		t.Fatalf("CleanupCompleted: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 completed row removed, got %d", removed)
	}
	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 0 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("cleanup must keep failed and pending rows: %+v", stats)
	}
}

func TestDequeueJobScopesToJob(t *testing.T) {
	q, _ := newQueue(t, 2)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.NewItem{JobID: "other", RemoteFileID: "x", Priority: queue.PriorityHigh}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mine := enqueue(t, q, "mine", queue.PriorityLow)

	item, err := q.DequeueJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}
	if item == nil || item.ID != mine {
		t.Fatalf("expected job-1 item, got %#v", item)
	}

	stats, err := q.StatsForJob(ctx, "other")
	if err != nil {
		t.Fatalf("StatsForJob: %v", err)
	}
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("unexpected stats for other job: %+v", stats)
	}
}

func TestReclaimStaleRequeuesStuckItems(t *testing.T) {
	q, clock := newQueue(t, 1)
	ctx := context.Background()
	id := enqueue(t, q, "stuck", queue.PriorityNormal)

	item, err := q.Dequeue(ctx)
	if err != nil || item == nil {
		t.Fatalf("Dequeue: %v", err)
	}

	clock.Advance(10 * time.Minute)
	reclaimed, err := q.ReclaimStale(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed item, got %d", reclaimed)
	}
	if got := q.AvailablePermits(); got != 1 {
		t.Fatalf("expected reclaimed permit to be released, available=%d", got)
	}

	fetched, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Status != queue.StatusPending || fetched.RetryCount != 1 {
		t.Fatalf("unexpected reclaimed item: status=%s retry=%d", fetched.Status, fetched.RetryCount)
	}
}

func TestHeartbeatKeepsItemFresh(t *testing.T) {
	q, clock := newQueue(t, 1)
	ctx := context.Background()
	id := enqueue(t, q, "long", queue.PriorityNormal)
	if item, err := q.Dequeue(ctx); err != nil || item == nil {
		t.Fatalf("Dequeue: %v", err)
	}

	clock.Advance(10 * time.Minute)
	if err := q.Heartbeat(ctx, id); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	reclaimed, err := q.ReclaimStale(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected heartbeat to protect item, reclaimed %d", reclaimed)
	}
}

func TestAbandonJobFailsPendingItems(t *testing.T) {
	q, _ := newQueue(t, 2)
	ctx := context.Background()
	enqueue(t, q, "a", queue.PriorityNormal)
	enqueue(t, q, "b", queue.PriorityNormal)

	claimed, err := q.DequeueJob(ctx, "job-1")
	if err != nil || claimed == nil {
		t.Fatalf("DequeueJob: %v %v", claimed, err)
	}
	n, err := q.AbandonJob(ctx, "job-1", "sync cancelled", false)
	if err != nil {
		t.Fatalf("AbandonJob: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 abandoned item, got %d", n)
	}
	stats, _ := q.StatsForJob(ctx, "job-1")
	if stats.Pending != 0 || stats.Processing != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := q.MarkComplete(ctx, claimed.ID); err != nil {
		t.Fatalf("in-flight item should still complete: %v", err)
	}
	if _, err := q.AbandonJob(ctx, "", "x", false); !errors.Is(err, syncerr.ErrInvalidJobID) {
		t.Fatalf("expected ErrInvalidJobID, got %v", err)
	}
}

func TestAbandonJobIncludingProcessingReleasesPermits(t *testing.T) {
	q, _ := newQueue(t, 1)
	ctx := context.Background()
	enqueue(t, q, "a", queue.PriorityNormal)
	if item, err := q.DequeueJob(ctx, "job-1"); err != nil || item == nil {
		t.Fatalf("DequeueJob: %v %v", item, err)
	}
	if q.AvailablePermits() != 0 {
		t.Fatalf("expected permit held, got %d available", q.AvailablePermits())
	}
	n, err := q.AbandonJob(ctx, "job-1", "interrupted", true)
	if err != nil || n != 1 {
		t.Fatalf("AbandonJob: n=%d err=%v", n, err)
	}
	if q.AvailablePermits() != 1 {
		t.Fatalf("expected permit released, got %d available", q.AvailablePermits())
	}
}
