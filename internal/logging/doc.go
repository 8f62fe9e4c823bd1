// Package logging assembles structured slog loggers and the attribute helpers
// used across cloudsync.
//
// Console output is rendered by charmbracelet/log, JSON output by the standard
// slog JSON handler with shortened keys, and file output is rotated by
// lumberjack. Context helpers tag log lines with the sync job, profile, and
// work item being processed so coordinator and queue code never has to thread
// those fields by hand.
package logging
