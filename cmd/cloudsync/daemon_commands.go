package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cloudsync/internal/daemon"
	"cloudsync/internal/logging"
	"cloudsync/internal/netstate"
	"cloudsync/internal/preflight"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or inspect the background sync daemon",
	}

	daemonCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonProcess(cmd.Context(), ctx)
		},
	})
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))

	return daemonCmd
}

func runDaemonProcess(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	results := preflight.RunAll(signalCtx, cfg)
	for _, res := range results {
		if res.Passed {
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", res.Name),
			logging.String("detail", res.Detail),
			logging.Bool("optional", res.Optional),
		)
	}
	if failed := preflight.Failed(results); len(failed) > 0 {
		return fmt.Errorf("preflight: %s: %s", failed[0].Name, failed[0].Detail)
	}

	rt, err := newRuntime(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("build sync runtime", logging.Error(err))
		return err
	}
	defer rt.Close()

	d, err := daemon.New(cfg, rt.coord, netstate.NewMonitor(rt.checker, logger), logger)
	if err != nil {
		return err
	}
	if err := d.Start(signalCtx); err != nil {
		return err
	}
	defer d.Stop()

	<-signalCtx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dialDaemon()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if client == nil {
				if asJSON {
					return writeJSON(cmd, daemon.Status{SocketPath: ctx.socketPath()})
				}
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			active := "none"
			if len(status.ActiveJobs) > 0 {
				active = strings.Join(status.ActiveJobs, ", ")
			}
			profiles := "none"
			if len(status.Profiles) > 0 {
				profiles = strings.Join(status.Profiles, ", ")
			}
			fmt.Fprintln(out, renderKeyValues([][2]string{
				{"Running", yesNo(status.Running)},
				{"PID", strconv.Itoa(status.PID)},
				{"Active jobs", active},
				{"Scheduled profiles", profiles},
				{"Queue", fmt.Sprintf("%d pending, %d processing, %d failed", status.Queue.Pending, status.Queue.Processing, status.Queue.Failed)},
				{"Permits free", fmt.Sprintf("%d/%d", status.Queue.AvailablePermits, status.Queue.MaxConcurrent)},
				{"Database", status.DBPath},
				{"Socket", status.SocketPath},
			}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
