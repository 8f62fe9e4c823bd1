package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cloudsync/internal/database"
	"cloudsync/internal/syncerr"
)

const (
	baseRetryDelay       = 100 * time.Millisecond
	defaultMaxConcurrent = 3
)

// Options configures a Queue.
type Options struct {
	MaxConcurrent int
	// Now overrides the clock; tests use it to step past retry delays.
	Now func() time.Time
}

// Queue is the SQLite-backed scan queue.
type Queue struct {
	db       *sql.DB
	sem      *semaphore.Weighted
	limit    int
	acquired atomic.Int64
	now      func() time.Time

	mu   sync.Mutex
	held map[string]struct{}
}

// New builds a Queue over an opened database.
func New(db *sql.DB, opts Options) *Queue {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	now := opts.Now
	if now == nil {
		now = database.Now
	}
	return &Queue{
		db:    db,
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
		now:   now,
		held:  make(map[string]struct{}),
	}
}

// NextRetryDelay returns the backoff applied after the given number of prior
// retries: 100ms doubled per retry.
func NextRetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return baseRetryDelay << uint(retryCount)
}

// Enqueue persists a new pending item. No deduplication is performed.
func (q *Queue) Enqueue(ctx context.Context, item NewItem) (string, error) {
	if strings.TrimSpace(item.RemoteFileID) == "" {
		return "", syncerr.Wrap(syncerr.ErrInvalidInput, "queue", "enqueue", "remote file id is required", nil)
	}
	id := uuid.NewString()
	now := database.FormatTime(q.now())
	_, err := database.ExecWithRetry(ctx, q.db,
		`INSERT INTO work_items (
			id, job_id, remote_file_id, file_name, mime_type, file_size, provider_modified_at,
			status, priority, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id,
		database.NullableString(item.JobID),
		item.RemoteFileID,
		database.NullableString(item.FileName),
		database.NullableString(item.MimeType),
		item.FileSize,
		database.NullableTime(item.ProviderModifiedAt),
		StatusPending,
		int(item.Priority),
		now,
		now,
	)
	if err != nil {
		return "", syncerr.Wrap(syncerr.ErrDatabase, "queue", "enqueue", "insert work item", err)
	}
	return id, nil
}

// Dequeue waits for a free permit and claims the next eligible pending item
// across all jobs. It returns nil when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*WorkItem, error) {
	return q.dequeue(ctx, "")
}

// DequeueJob is Dequeue restricted to items owned by jobID. All jobs share the
// same permit pool.
func (q *Queue) DequeueJob(ctx context.Context, jobID string) (*WorkItem, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, syncerr.Wrap(syncerr.ErrInvalidJobID, "queue", "dequeue", "job id is required", nil)
	}
	return q.dequeue(ctx, jobID)
}

func (q *Queue) dequeue(ctx context.Context, jobID string) (*WorkItem, error) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCancelled, "queue", "dequeue", "waiting for permit", err)
	}
	q.acquired.Add(1)

	item, err := q.claim(ctx, jobID)
	if err != nil || item == nil {
		q.releasePermit()
		return nil, err
	}

	q.mu.Lock()
	q.held[item.ID] = struct{}{}
	q.mu.Unlock()
	return item, nil
}

func (q *Queue) claim(ctx context.Context, jobID string) (*WorkItem, error) {
	now := database.FormatTime(q.now())
	query := `UPDATE work_items
		SET status = ?, started_at = ?, updated_at = ?
		WHERE status = ? AND id = (
			SELECT id FROM work_items
			WHERE status = ?
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  AND (? = '' OR job_id = ?)
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + itemColumns

	var item *WorkItem
	err := database.RetryOnBusy(ctx, func() error {
		row := q.db.QueryRowContext(ctx, query,
			StatusProcessing, now, now,
			StatusPending,
			StatusPending, now, jobID, jobID,
		)
		scanned, scanErr := scanItem(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			item = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		item = scanned
		return nil
	})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "queue", "dequeue", "claim work item", err)
	}
	return item, nil
}

// MarkComplete moves a processing item to completed and releases its permit.
func (q *Queue) MarkComplete(ctx context.Context, id string) error {
	defer q.release(id)
	now := database.FormatTime(q.now())
	res, err := database.ExecWithRetry(ctx, q.db,
		`UPDATE work_items
		SET status = ?, completed_at = ?, updated_at = ?, next_attempt_at = NULL
		WHERE id = ? AND status = ?`,
		StatusCompleted, now, now, id, StatusProcessing,
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "queue", "mark complete", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return q.transitionError(ctx, "mark complete", id)
	}
	return nil
}

// MarkFailed records a processing failure. Below MaxRetries the item returns
// to pending with retry_count incremented and becomes eligible again after
// NextRetryDelay; at the bound it becomes permanently failed. The returned
// status is the item's new status.
func (q *Queue) MarkFailed(ctx context.Context, id, message string) (Status, error) {
	defer q.release(id)
	var next Status
	err := database.InTx(ctx, q.db, func(tx *sql.Tx) error {
		var (
			status     string
			retryCount int
		)
		row := tx.QueryRowContext(ctx, `SELECT status, retry_count FROM work_items WHERE id = ?`, id)
		if err := row.Scan(&status, &retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return syncerr.Wrap(syncerr.ErrNotFound, "queue", "mark failed", id, nil)
			}
			return err
		}
		if Status(status) != StatusProcessing {
			return syncerr.Wrap(syncerr.ErrInvalidStatus, "queue", "mark failed", fmt.Sprintf("%s is %s", id, status), nil)
		}

		now := q.now()
		stamp := database.FormatTime(now)
		if retryCount < MaxRetries {
			next = StatusPending
			nextAttempt := now.Add(NextRetryDelay(retryCount))
			_, err := tx.ExecContext(ctx,
				`UPDATE work_items
				SET status = ?, retry_count = ?, error_message = ?, next_attempt_at = ?, started_at = NULL, updated_at = ?
				WHERE id = ? AND status = ?`,
				StatusPending, retryCount+1, database.NullableString(message), database.FormatTime(nextAttempt), stamp,
				id, StatusProcessing,
			)
			return err
		}
		next = StatusFailed
		_, err := tx.ExecContext(ctx,
			`UPDATE work_items
			SET status = ?, error_message = ?, completed_at = ?, next_attempt_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusFailed, database.NullableString(message), stamp, stamp,
			id, StatusProcessing,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrInvalidStatus) {
			return "", err
		}
		return "", syncerr.Wrap(syncerr.ErrDatabase, "queue", "mark failed", id, err)
	}
	return next, nil
}

// Heartbeat refreshes started_at on a processing item so the stale sweep
// leaves long-running work alone.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	now := database.FormatTime(q.now())
	res, err := database.ExecWithRetry(ctx, q.db,
		`UPDATE work_items SET started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, StatusProcessing,
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "queue", "heartbeat", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return q.transitionError(ctx, "heartbeat", id)
	}
	return nil
}

func (q *Queue) transitionError(ctx context.Context, op, id string) error {
	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return syncerr.Wrap(syncerr.ErrInvalidStatus, "queue", op, fmt.Sprintf("%s is %s", id, item.Status), nil)
}

// release returns the permit held for id, if this queue handed one out.
func (q *Queue) release(id string) {
	q.mu.Lock()
	_, ok := q.held[id]
	delete(q.held, id)
	q.mu.Unlock()
	if ok {
		q.releasePermit()
	}
}

func (q *Queue) releasePermit() {
	q.acquired.Add(-1)
	q.sem.Release(1)
}

// AvailablePermits reports how many more items could be dequeued right now.
func (q *Queue) AvailablePermits() int {
	avail := q.limit - int(q.acquired.Load())
	if avail < 0 {
		return 0
	}
	return avail
}

// MaxConcurrent returns the permit pool size.
func (q *Queue) MaxConcurrent() int {
	return q.limit
}
