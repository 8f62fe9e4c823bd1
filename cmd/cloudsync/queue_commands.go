package main

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cloudsync/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the scan queue",
	}

	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueCleanupCommand(ctx))
	queueCmd.AddCommand(newQueueReclaimCommand(ctx))

	return queueCmd
}

func (c *commandContext) openQueue(db *sql.DB) *queue.Queue {
	cfg, _ := c.ensureConfig()
	return queue.New(db, queue.Options{MaxConcurrent: cfg.Queue.MaxConcurrent})
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show work item counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, source, err := ctx.queueStats(cmd)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{string(queue.StatusPending), strconv.Itoa(stats.Pending)},
				{string(queue.StatusProcessing), strconv.Itoa(stats.Processing)},
				{string(queue.StatusCompleted), strconv.Itoa(stats.Completed)},
				{string(queue.StatusFailed), strconv.Itoa(stats.Failed)},
				{"permits free", fmt.Sprintf("%d/%d", stats.AvailablePermits, stats.MaxConcurrent)},
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			fmt.Fprintf(out, "Source: %s\n", source)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

// queueStats prefers the daemon, whose permit counts are live.
func (c *commandContext) queueStats(cmd *cobra.Command) (queue.Stats, string, error) {
	client, err := c.dialDaemon()
	if err != nil {
		return queue.Stats{}, "", err
	}
	if client != nil {
		defer client.Close()
		status, err := client.Status(cmd.Context())
		if err != nil {
			return queue.Stats{}, "", err
		}
		return status.Queue, "daemon", nil
	}
	var stats queue.Stats
	err = c.withDB(cmd, func(db *sql.DB) error {
		var statsErr error
		stats, statsErr = c.openQueue(db).Stats(cmd.Context())
		return statsErr
	})
	return stats, "database", err
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		jobID    string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items in dequeue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]queue.Status, 0, len(statuses))
			for _, raw := range statuses {
				status, ok := queue.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter = append(filter, status)
			}
			return ctx.withDB(cmd, func(db *sql.DB) error {
				items, err := ctx.openQueue(db).List(cmd.Context(), strings.TrimSpace(jobID), filter...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Item", "Job", "File", "Size", "Status", "Retries", "Error"},
					buildQueueRows(items),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&jobID, "job", "", "Only items of this job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildQueueRows(items []*queue.WorkItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		name := item.FileName
		if name == "" {
			name = item.RemoteFileID
		}
		rows = append(rows, []string{
			shortID(item.ID),
			shortID(item.JobID),
			name,
			humanize.IBytes(uint64(max(item.FileSize, 0))),
			string(item.Status),
			strconv.Itoa(item.RetryCount),
			item.ErrorMessage,
		})
	}
	return rows
}

func newQueueCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(cmd, func(db *sql.DB) error {
				removed, err := ctx.openQueue(db).CleanupCompleted(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d completed item(s)\n", removed)
				return nil
			})
		},
	}
}

func newQueueReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Requeue items stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withExclusiveDB(cmd, func(db *sql.DB) error {
				age := olderThan
				if age <= 0 {
					cfg, _ := ctx.ensureConfig()
					age = cfg.StaleAfter()
				}
				reclaimed, err := ctx.openQueue(db).ReclaimStale(cmd.Context(), time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale item(s)\n", reclaimed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Processing age that counts as stalled (defaults to queue.stale_after_seconds)")
	return cmd
}
