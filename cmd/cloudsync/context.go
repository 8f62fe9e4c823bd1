package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"cloudsync/internal/config"
	"cloudsync/internal/daemon"
	"cloudsync/internal/logging"
)

type commandContext struct {
	socketFlag *string
	configFlag *string
	verbose    bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) socketPath() string {
	if c.socketFlag != nil && strings.TrimSpace(*c.socketFlag) != "" {
		return *c.socketFlag
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return filepath.Join(os.TempDir(), "cloudsync.sock")
	}
	return cfg.SocketPath()
}

// dialDaemon returns a client when a daemon is listening and nil when none
// is running.
func (c *commandContext) dialDaemon() (*daemon.Client, error) {
	socket := c.socketPath()
	client, err := daemon.Dial(socket)
	if err == nil {
		return client, nil
	}
	if daemonAbsent(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("connect to daemon at %s: %w", socket, err)
}

func daemonAbsent(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// cliLogger writes to cloudsync-cli.log and, with --verbose, to errOut.
func (c *commandContext) cliLogger(cfg *config.Config, errOut io.Writer) *slog.Logger {
	out := io.Discard
	if c.verbose {
		out = errOut
	}
	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
		Rotation: logging.Rotation{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	}
	if cfg.Paths.LogDir != "" {
		opts.FilePath = filepath.Join(cfg.Paths.LogDir, "cloudsync-cli.log")
	}
	logger, err := logging.New(opts)
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
