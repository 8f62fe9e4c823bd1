package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloudsync/internal/database"
	"cloudsync/internal/syncerr"
)

// Stats returns per-status counts across all jobs plus the free permit count.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.stats(ctx, "")
}

// StatsForJob returns per-status counts for one job's items.
func (q *Queue) StatsForJob(ctx context.Context, jobID string) (Stats, error) {
	if strings.TrimSpace(jobID) == "" {
		return Stats{}, syncerr.Wrap(syncerr.ErrInvalidJobID, "queue", "stats", "job id is required", nil)
	}
	return q.stats(ctx, jobID)
}

func (q *Queue) stats(ctx context.Context, jobID string) (Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM work_items WHERE (? = '' OR job_id = ?) GROUP BY status`,
		jobID, jobID,
	)
	if err != nil {
		return Stats{}, syncerr.Wrap(syncerr.ErrDatabase, "queue", "stats", "", err)
	}
	defer rows.Close()

	stats := Stats{AvailablePermits: q.AvailablePermits(), MaxConcurrent: q.limit}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, syncerr.Wrap(syncerr.ErrDatabase, "queue", "stats", "scan", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, syncerr.Wrap(syncerr.ErrDatabase, "queue", "stats", "", err)
	}
	return stats, nil
}

// CleanupCompleted deletes completed items. Failed items are kept for
// inspection.
func (q *Queue) CleanupCompleted(ctx context.Context) (int64, error) {
	res, err := database.ExecWithRetry(ctx, q.db, `DELETE FROM work_items WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "queue", "cleanup", "", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// AbandonJob fails every pending item owned by jobID so a cancelled or
// failed job leaves nothing eligible behind. Processing items are included
// only when includeProcessing is set, which is safe only when nothing in this
// process is still working on them (start-up recovery).
func (q *Queue) AbandonJob(ctx context.Context, jobID, message string, includeProcessing bool) (int64, error) {
	if strings.TrimSpace(jobID) == "" {
		return 0, syncerr.Wrap(syncerr.ErrInvalidJobID, "queue", "abandon job", "job id is required", nil)
	}
	extra := StatusPending
	if includeProcessing {
		extra = StatusProcessing
	}
	now := database.FormatTime(q.now())
	res, err := database.ExecWithRetry(ctx, q.db,
		`UPDATE work_items
		SET status = ?, error_message = ?, completed_at = ?, next_attempt_at = NULL, updated_at = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		StatusFailed, database.NullableString(message), now, now,
		jobID, StatusPending, extra,
	)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "queue", "abandon job", jobID, err)
	}
	affected, _ := res.RowsAffected()
	if includeProcessing {
		q.mu.Lock()
		held := make([]string, 0, len(q.held))
		for id := range q.held {
			held = append(held, id)
		}
		q.mu.Unlock()
		for _, id := range held {
			if item, err := q.Get(ctx, id); err == nil && item.JobID == jobID {
				q.release(id)
			}
		}
	}
	return affected, nil
}

// ReclaimStale requeues processing items whose started_at is older than
// cutoff. Reclaiming counts as a failed attempt, so an item that keeps
// stalling is eventually failed instead of looping forever.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := database.FormatTime(q.now())
	rows, err := q.db.QueryContext(ctx,
		`UPDATE work_items
		SET status = CASE WHEN retry_count < ? THEN ? ELSE ? END,
		    retry_count = MIN(retry_count + 1, ?),
		    error_message = ?,
		    started_at = NULL,
		    completed_at = CASE WHEN retry_count < ? THEN NULL ELSE ? END,
		    updated_at = ?
		WHERE status = ? AND (started_at IS NULL OR started_at < ?)
		RETURNING id`,
		MaxRetries, StatusPending, StatusFailed,
		MaxRetries,
		"reclaimed after stalling in processing",
		MaxRetries, now,
		now,
		StatusProcessing, database.FormatTime(cutoff),
	)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "queue", "reclaim stale", "", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, syncerr.Wrap(syncerr.ErrDatabase, "queue", "reclaim stale", "scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "queue", "reclaim stale", "", err)
	}
	rows.Close()
	for _, id := range ids {
		q.release(id)
	}
	return int64(len(ids)), nil
}

// Get returns the work item with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*WorkItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.Wrap(syncerr.ErrNotFound, "queue", "get", fmt.Sprintf("work item %s", id), nil)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "queue", "get", id, err)
	}
	return item, nil
}

// List returns items in dequeue order, optionally restricted to a job and to
// the given statuses.
func (q *Queue) List(ctx context.Context, jobID string, statuses ...Status) ([]*WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE (? = '' OR job_id = ?)`
	args := []any{jobID, jobID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "queue", "list", "", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrDatabase, "queue", "list", "scan", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
