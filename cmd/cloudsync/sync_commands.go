package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/jobs"
)

const (
	jobPollInterval = 250 * time.Millisecond
	watchBuffer     = 64
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Start, inspect and cancel sync jobs",
	}

	syncCmd.AddCommand(newSyncStartCommand(ctx, jobs.SyncFull))
	syncCmd.AddCommand(newSyncStartCommand(ctx, jobs.SyncIncremental))
	syncCmd.AddCommand(newSyncStatusCommand(ctx))
	syncCmd.AddCommand(newSyncHistoryCommand(ctx))
	syncCmd.AddCommand(newSyncCancelCommand(ctx))

	return syncCmd
}

func newSyncStartCommand(ctx *commandContext, syncType jobs.SyncType) *cobra.Command {
	var (
		wait   bool
		cursor string
		asJSON bool
	)

	short := "Run a full listing sync for a profile"
	if syncType == jobs.SyncIncremental {
		short = "Apply remote changes since the last completed sync"
	}

	cmd := &cobra.Command{
		Use:   string(syncType) + " <profile>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := strings.TrimSpace(args[0])
			return ctx.withSyncController(cmd, func(api syncController) error {
				jobID, err := api.Start(cmd.Context(), profile, syncType, cursor)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if api.Detached() && !wait {
					if asJSON {
						return writeJSON(cmd, map[string]string{"job_id": jobID})
					}
					fmt.Fprintf(out, "Started %s sync %s for %s\n", syncType, jobID, profile)
					return nil
				}

				job, err := waitForJob(cmd.Context(), api, jobID, newProgressReporter(out))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintln(out, summarizeJob(job))
				if job.Status == jobs.StatusFailed {
					return fmt.Errorf("sync %s failed", shortID(job.ID))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish when a daemon runs it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	if syncType == jobs.SyncIncremental {
		cmd.Flags().StringVar(&cursor, "cursor", "", "Change cursor to resume from (defaults to the last completed sync)")
	}
	return cmd
}

// waitForJob polls until the job is terminal. Live events, when the
// controller has them, drive the progress bar between polls and end the wait
// early. An interrupt cancels in-process jobs; daemon jobs are left running.
func waitForJob(parent context.Context, api syncController, jobID string, progress progressReporter) (*jobs.Job, error) {
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer progress.Finish()

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	updates, unsubscribe := api.Watch()
	defer unsubscribe()

	pollCtx := context.WithoutCancel(parent)
	interrupt := sigCtx.Done()
	for {
		job, err := api.Job(pollCtx, jobID)
		if err != nil {
			return nil, err
		}
		progress.Update(job)
		if job.Status.IsTerminal() {
			return job, nil
		}

		for polled := false; !polled; {
			select {
			case <-ticker.C:
				polled = true
			case event, ok := <-updates:
				switch {
				case !ok:
					updates = nil
				case event.JobID != jobID:
				case event.Type.IsTerminal():
					polled = true
				default:
					progress.Observe(event)
				}
			case <-interrupt:
				interrupt = nil
				polled = true
				if api.Detached() {
					return job, fmt.Errorf("stopped waiting; sync %s continues in the daemon: %w", shortID(jobID), context.Canceled)
				}
				if _, err := api.Cancel(pollCtx, jobID); err != nil && !errors.Is(err, context.Canceled) {
					return nil, fmt.Errorf("cancel sync %s: %w", shortID(jobID), err)
				}
			}
		}
	}
}

func newSyncStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobReader(cmd, func(api jobReader) error {
				job, err := api.Job(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newSyncHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history <profile>",
		Short: "List a profile's sync jobs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobReader(cmd, func(api jobReader) error {
				list, err := api.History(cmd.Context(), strings.TrimSpace(args[0]), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, list)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No sync jobs recorded")
					return nil
				}
				fmt.Fprintln(out, renderTable(historyHeaders, buildHistoryRows(list), historyAligns))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newSyncCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSyncController(cmd, func(api syncController) error {
				job, err := api.Cancel(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), summarizeJob(job))
				return nil
			})
		},
	}
}
