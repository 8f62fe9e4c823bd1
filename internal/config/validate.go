package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSync() error {
	if err := ensurePositiveMap(map[string]int{
		"sync.max_file_size_mb":     c.Sync.MaxFileSizeMB,
		"sync.job_timeout_seconds":  c.Sync.JobTimeoutSeconds,
		"sync.item_timeout_seconds": c.Sync.ItemTimeoutSeconds,
		"sync.poll_interval_ms":     c.Sync.PollIntervalMillis,
	}); err != nil {
		return err
	}
	if c.Sync.ItemTimeoutSeconds > c.Sync.JobTimeoutSeconds {
		return errors.New("sync.item_timeout_seconds must not exceed sync.job_timeout_seconds")
	}
	if c.Sync.AutoIntervalMinutes < 0 {
		return errors.New("sync.auto_interval_minutes must not be negative")
	}
	switch c.Sync.ConflictPolicy {
	case PolicyKeepNewest, PolicyKeepBoth:
	case "user_prompt":
		return errors.New("sync.conflict_policy user_prompt is not supported; use keep_newest or keep_both")
	default:
		return fmt.Errorf("sync.conflict_policy: unsupported value %q", c.Sync.ConflictPolicy)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.max_concurrent":         c.Queue.MaxConcurrent,
		"queue.stale_after_seconds":    c.Queue.StaleAfterSeconds,
		"queue.sweep_interval_seconds": c.Queue.SweepIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Queue.StaleAfterSeconds <= c.Sync.ItemTimeoutSeconds {
		return errors.New("queue.stale_after_seconds must be greater than sync.item_timeout_seconds")
	}
	return nil
}

func (c *Config) validateProvider() error {
	if c.Provider.RequestsPerSecond <= 0 {
		return errors.New("provider.requests_per_second must be positive")
	}
	if c.Provider.PageSize <= 0 {
		return errors.New("provider.page_size must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return errors.New("logging rotation settings must not be negative")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
