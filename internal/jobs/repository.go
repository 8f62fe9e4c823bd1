package jobs

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

// InterruptedMessage is recorded on jobs found running when the process starts.
const InterruptedMessage = "interrupted by restart"

const jobColumns = "id, profile_id, provider, sync_type, status, cursor, processed, total, percent, phase, added, updated, deleted, failed, error_message, created_at, started_at, completed_at, updated_at"

// Repository persists jobs in the sync_jobs table.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new job row.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return syncerr.Wrap(syncerr.ErrInvalidJobID, "jobs", "create", "job id is required", nil)
	}
	_, err := database.ExecWithRetry(ctx, r.db,
		`INSERT INTO sync_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.values(job)...,
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "jobs", "create", job.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing job.
func (r *Repository) Update(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return syncerr.Wrap(syncerr.ErrInvalidJobID, "jobs", "update", "job id is required", nil)
	}
	res, err := database.ExecWithRetry(ctx, r.db,
		`UPDATE sync_jobs SET
			status = ?, cursor = ?, processed = ?, total = ?, percent = ?, phase = ?,
			added = ?, updated = ?, deleted = ?, failed = ?, error_message = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		job.Status,
		database.NullableString(job.Cursor),
		job.Progress.Processed,
		job.Progress.Total,
		job.Progress.Percent,
		database.NullableString(job.Progress.Phase),
		job.Stats.Added,
		job.Stats.Updated,
		job.Stats.Deleted,
		job.Stats.Failed,
		database.NullableString(job.Error),
		database.NullableTime(job.StartedAt),
		database.NullableTime(job.CompletedAt),
		database.FormatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "jobs", "update", job.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return syncerr.Wrap(syncerr.ErrJobNotFound, "jobs", "update", job.ID, nil)
	}
	return nil
}

// Get loads a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.Wrap(syncerr.ErrJobNotFound, "jobs", "get", id, nil)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", "get", id, err)
	}
	return job, nil
}

// ListByProfile returns a profile's jobs, newest first.
func (r *Repository) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.query(ctx, "list",
		`SELECT `+jobColumns+` FROM sync_jobs WHERE profile_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		profileID, limit,
	)
}

// LatestCompleted returns the most recent completed job for the profile and
// provider, or nil when none exists.
func (r *Repository) LatestCompleted(ctx context.Context, profileID, provider string) (*Job, error) {
	jobs, err := r.query(ctx, "latest completed",
		`SELECT `+jobColumns+` FROM sync_jobs
		WHERE profile_id = ? AND provider = ? AND status = ?
		ORDER BY completed_at DESC, rowid DESC LIMIT 1`,
		profileID, provider, StatusCompleted,
	)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// FailInterrupted marks jobs left pending or running by a previous process as
// failed and returns their ids.
func (r *Repository) FailInterrupted(ctx context.Context) ([]string, error) {
	now := database.FormatTime(time.Now())
	rows, err := r.db.QueryContext(ctx,
		`UPDATE sync_jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?)
		RETURNING id`,
		StatusFailed, InterruptedMessage, now, now,
		StatusPending, StatusRunning,
	)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", "fail interrupted", "", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", "fail interrupted", "scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) query(ctx context.Context, op, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", op, "", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", op, "scan", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "jobs", op, "", err)
	}
	return out, nil
}

func (r *Repository) values(job *Job) []any {
	return []any{
		job.ID,
		job.ProfileID,
		job.Provider,
		job.Type,
		job.Status,
		database.NullableString(job.Cursor),
		job.Progress.Processed,
		job.Progress.Total,
		job.Progress.Percent,
		database.NullableString(job.Progress.Phase),
		job.Stats.Added,
		job.Stats.Updated,
		job.Stats.Deleted,
		job.Stats.Failed,
		database.NullableString(job.Error),
		database.FormatTime(job.CreatedAt),
		database.NullableTime(job.StartedAt),
		database.NullableTime(job.CompletedAt),
		database.FormatTime(job.UpdatedAt),
	}
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		syncType     string
		status       string
		cursor       sql.NullString
		phase        sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.ProfileID,
		&job.Provider,
		&syncType,
		&status,
		&cursor,
		&job.Progress.Processed,
		&job.Progress.Total,
		&job.Progress.Percent,
		&phase,
		&job.Stats.Added,
		&job.Stats.Updated,
		&job.Stats.Deleted,
		&job.Stats.Failed,
		&errorMessage,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.Type = SyncType(syncType)
	job.Status = Status(status)
	job.Cursor = cursor.String
	job.Progress.Phase = phase.String
	job.Error = errorMessage.String
	job.StartedAt = database.ScanTime(startedRaw)
	job.CompletedAt = database.ScanTime(completedRaw)
	if t, err := database.ParseTime(createdRaw); err == nil {
		job.CreatedAt = t
	} else {
		return nil, fmt.Errorf("parse created_at %q: %w", createdRaw, err)
	}
	if t, err := database.ParseTime(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	return &job, nil
}
