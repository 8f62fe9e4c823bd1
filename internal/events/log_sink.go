package events

import (
	"context"
	"log/slog"

	"cloudsync/internal/logging"
)

// LogSink writes every event to a logger. Progress is logged at debug so a
// default info-level log only shows job boundaries.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a sink over logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.NewComponentLogger(logger, "events")}
}

// Publish implements Bus.
func (s *LogSink) Publish(ctx context.Context, event Event) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, string(event.Type)),
		logging.String(logging.FieldJobID, event.JobID),
	}
	if event.ProfileID != "" {
		attrs = append(attrs, logging.String(logging.FieldProfileID, event.ProfileID))
	}
	if event.Phase != "" {
		attrs = append(attrs, logging.String(logging.FieldPhase, event.Phase))
	}
	switch event.Type {
	case TypeProgress:
		attrs = append(attrs,
			logging.Int("processed", event.Processed),
			logging.Int("total", event.Total),
			logging.Float64("percent", event.Percent),
		)
		s.logger.DebugContext(ctx, "sync progress", logging.Args(attrs...)...)
	case TypeStarted:
		attrs = append(attrs, logging.String("sync_type", event.SyncType))
		s.logger.InfoContext(ctx, "sync started", logging.Args(attrs...)...)
	case TypeCompleted:
		attrs = append(attrs,
			logging.Int("added", event.Counts.Added),
			logging.Int("updated", event.Counts.Updated),
			logging.Int("deleted", event.Counts.Deleted),
			logging.Int("failed", event.Counts.Failed),
			logging.Duration("duration", event.Duration),
		)
		s.logger.InfoContext(ctx, "sync completed", logging.Args(attrs...)...)
	case TypeFailed:
		attrs = append(attrs, logging.String("error", event.Message))
		s.logger.ErrorContext(ctx, "sync failed", logging.Args(attrs...)...)
	case TypeCancelled:
		attrs = append(attrs, logging.Int("processed", event.Processed))
		s.logger.InfoContext(ctx, "sync cancelled", logging.Args(attrs...)...)
	}
}
