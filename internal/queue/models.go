package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxRetries bounds retry_count; an item failing at the bound becomes Failed.
const MaxRetries = 3

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a string into a Status, reporting whether it is known.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Priority orders dequeue; higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// NewItem describes a remote file to enqueue.
type NewItem struct {
	JobID              string
	RemoteFileID       string
	FileName           string
	MimeType           string
	FileSize           int64
	ProviderModifiedAt *time.Time
	Priority           Priority
}

// WorkItem is one queued remote file awaiting processing.
type WorkItem struct {
	ID                 string
	JobID              string
	RemoteFileID       string
	FileName           string
	MimeType           string
	FileSize           int64
	ProviderModifiedAt *time.Time
	Status             Status
	Priority           Priority
	RetryCount         int
	ErrorMessage       string
	NextAttemptAt      *time.Time
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

// Stats summarizes queue occupancy.
type Stats struct {
	Pending          int
	Processing       int
	Completed        int
	Failed           int
	AvailablePermits int
	MaxConcurrent    int
}

// Total returns the number of items across all statuses.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// Outstanding returns items that still need work.
func (s Stats) Outstanding() int {
	return s.Pending + s.Processing
}
