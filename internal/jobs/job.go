// Package jobs models sync jobs and persists them.
//
// A Job moves pending → running → completed | failed | cancelled. A pending
// job may also go straight to failed or cancelled when it never ran. Every
// transition out of a terminal state is rejected with syncerr.ErrInvalidStatus.
package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudsync/internal/syncerr"
)

// SyncType selects full listing or change-feed discovery.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Phase names reported in progress.
const (
	PhaseQueued             = "queued"
	PhaseDiscovering        = "discovering"
	PhaseFiltering          = "filtering"
	PhaseEnqueueing         = "enqueueing"
	PhaseProcessing         = "processing"
	PhaseConflictResolution = "conflict_resolution"
	PhaseDone               = "done"
)

// Progress tracks how far processing has come.
type Progress struct {
	Processed int
	Total     int
	Percent   float64
	Phase     string
}

// Stats are the final counters of a job.
type Stats struct {
	Added   int
	Updated int
	Deleted int
	Failed  int
}

// Job is one sync run for a profile.
type Job struct {
	ID          string
	ProfileID   string
	Provider    string
	Type        SyncType
	Status      Status
	Cursor      string
	Progress    Progress
	Stats       Stats
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// New returns a pending job. Incremental jobs carry the change cursor they
// resume from.
func New(profileID, provider string, syncType SyncType, cursor string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Provider:  provider,
		Type:      syncType,
		Status:    StatusPending,
		Cursor:    cursor,
		Progress:  Progress{Phase: PhaseQueued},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves a pending job to running.
func (j *Job) Start() error {
	if j.Status != StatusPending {
		return j.transitionErr("start")
	}
	if j.Type == SyncIncremental && strings.TrimSpace(j.Cursor) == "" {
		return syncerr.Wrap(syncerr.ErrInvalidInput, "jobs", "start", "incremental sync requires a cursor", nil)
	}
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// UpdateProgress records processed/total and recomputes the percentage.
func (j *Job) UpdateProgress(processed, total int, phase string) error {
	if j.Status != StatusRunning {
		return j.transitionErr("update progress")
	}
	j.Progress.Processed = processed
	j.Progress.Total = total
	j.Progress.Percent = percent(processed, total)
	if phase != "" {
		j.Progress.Phase = phase
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPhase changes the reported phase while running.
func (j *Job) SetPhase(phase string) error {
	return j.UpdateProgress(j.Progress.Processed, j.Progress.Total, phase)
}

// SetCursor records the provider cursor reached so far.
func (j *Job) SetCursor(cursor string) error {
	if j.Status != StatusRunning {
		return j.transitionErr("set cursor")
	}
	j.Cursor = cursor
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete finishes a running job with its final stats.
func (j *Job) Complete(stats Stats) error {
	if j.Status != StatusRunning {
		return j.transitionErr("complete")
	}
	j.Stats = stats
	j.Progress.Phase = PhaseDone
	j.finish(StatusCompleted)
	return nil
}

// Fail finishes a pending or running job with an error message. A pending
// job fails when its runner could not start it.
func (j *Job) Fail(message string) error {
	if j.Status != StatusRunning && j.Status != StatusPending {
		return j.transitionErr("fail")
	}
	j.Error = message
	j.finish(StatusFailed)
	return nil
}

// Cancel finishes a pending or running job.
func (j *Job) Cancel() error {
	if j.Status != StatusRunning && j.Status != StatusPending {
		return j.transitionErr("cancel")
	}
	j.finish(StatusCancelled)
	return nil
}

// Duration is the wall time between start and completion, or zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		started := *j.StartedAt
		cp.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

func (j *Job) finish(status Status) {
	now := time.Now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func (j *Job) transitionErr(op string) error {
	return syncerr.Wrap(syncerr.ErrInvalidStatus, "jobs", op, fmt.Sprintf("job %s is %s", j.ID, j.Status), nil)
}

func percent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
