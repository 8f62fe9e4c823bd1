package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cloudsync/internal/jobs"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStarted(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	return humanize.Time(*ts)
}

func formatDuration(job *jobs.Job) string {
	d := job.Duration()
	if d <= 0 {
		if job.StartedAt != nil && !job.Status.IsTerminal() {
			return time.Since(*job.StartedAt).Round(time.Second).String() + " (running)"
		}
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func formatProgress(p jobs.Progress) string {
	if p.Total == 0 {
		return p.Phase
	}
	return fmt.Sprintf("%s %s/%s (%.0f%%)", p.Phase, humanize.Comma(int64(p.Processed)), humanize.Comma(int64(p.Total)), p.Percent)
}

func renderJob(job *jobs.Job) string {
	pairs := [][2]string{
		{"Job", job.ID},
		{"Profile", job.ProfileID},
		{"Provider", job.Provider},
		{"Type", string(job.Type)},
		{"Status", string(job.Status)},
		{"Progress", formatProgress(job.Progress)},
		{"Added", strconv.Itoa(job.Stats.Added)},
		{"Updated", strconv.Itoa(job.Stats.Updated)},
		{"Deleted", strconv.Itoa(job.Stats.Deleted)},
		{"Failed", strconv.Itoa(job.Stats.Failed)},
		{"Started", formatStarted(job.StartedAt)},
		{"Duration", formatDuration(job)},
	}
	if strings.TrimSpace(job.Cursor) != "" {
		pairs = append(pairs, [2]string{"Cursor", job.Cursor})
	}
	if strings.TrimSpace(job.Error) != "" {
		pairs = append(pairs, [2]string{"Error", job.Error})
	}
	return renderKeyValues(pairs)
}

func buildHistoryRows(list []*jobs.Job) [][]string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			shortID(job.ID),
			string(job.Type),
			string(job.Status),
			strconv.Itoa(job.Stats.Added),
			strconv.Itoa(job.Stats.Updated),
			strconv.Itoa(job.Stats.Deleted),
			strconv.Itoa(job.Stats.Failed),
			formatStarted(job.StartedAt),
			formatDuration(job),
		})
	}
	return rows
}

var historyHeaders = []string{"Job", "Type", "Status", "Added", "Updated", "Deleted", "Failed", "Started", "Duration"}

var historyAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignRight}

// summarizeJob is the one-line outcome printed after waiting on a job.
func summarizeJob(job *jobs.Job) string {
	switch job.Status {
	case jobs.StatusCompleted:
		return fmt.Sprintf("Sync %s completed: %d added, %d updated, %d deleted, %d failed (%s)",
			shortID(job.ID), job.Stats.Added, job.Stats.Updated, job.Stats.Deleted, job.Stats.Failed, formatDuration(job))
	case jobs.StatusFailed:
		return fmt.Sprintf("Sync %s failed: %s", shortID(job.ID), job.Error)
	case jobs.StatusCancelled:
		return fmt.Sprintf("Sync %s cancelled after %d added, %d updated, %d deleted", shortID(job.ID), job.Stats.Added, job.Stats.Updated, job.Stats.Deleted)
	default:
		return fmt.Sprintf("Sync %s is %s (%s)", shortID(job.ID), job.Status, formatProgress(job.Progress))
	}
}
