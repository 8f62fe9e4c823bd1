package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloudsync/internal/config"
	"cloudsync/internal/events"
	"cloudsync/internal/logging"
)

const userAgent = "cloudsync/0.1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// Notifier posts terminal sync events to an ntfy topic.
type Notifier struct {
	endpoint  string
	client    *http.Client
	logger    *slog.Logger
	completed bool
	failed    bool
	wg        sync.WaitGroup
}

// New builds an ntfy sink, or returns nil when no topic is configured.
func New(cfg *config.Config, logger *slog.Logger) *Notifier {
	if cfg == nil {
		return nil
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		logger:    logging.NewComponentLogger(logger, "notifications"),
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

// Publish implements events.Bus. Delivery runs in the background; Close waits
// for outstanding posts.
func (n *Notifier) Publish(ctx context.Context, event events.Event) {
	if !n.wants(event.Type) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Notify(context.WithoutCancel(ctx), event); err != nil {
			logging.WarnWithContext(n.logger, "ntfy notification failed", "notification_failed",
				logging.String(logging.FieldJobID, event.JobID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
				logging.String(logging.FieldImpact, "sync result not pushed"),
			)
		}
	}()
}

// Close waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.wg.Wait()
}

// Notify formats and posts one event synchronously. Events the notifier is
// not configured for are ignored.
func (n *Notifier) Notify(ctx context.Context, event events.Event) error {
	if !n.wants(event.Type) {
		return nil
	}
	return n.send(ctx, format(event))
}

func (n *Notifier) wants(t events.Type) bool {
	switch t {
	case events.TypeCompleted:
		return n.completed
	case events.TypeFailed:
		return n.failed
	default:
		return false
	}
}

func format(event events.Event) payload {
	profile := strings.TrimSpace(event.ProfileID)
	if profile == "" {
		profile = "unknown profile"
	}
	switch event.Type {
	case events.TypeFailed:
		reason := strings.TrimSpace(event.Message)
		if reason == "" {
			reason = "unknown error"
		}
		return payload{
			title:    "cloudsync - Sync Failed",
			message:  fmt.Sprintf("Sync for %s failed: %s", profile, reason),
			tags:     []string{"cloudsync", "sync", "failed"},
			priority: "high",
		}
	default:
		c := event.Counts
		title := "cloudsync - Sync Complete"
		if c.Failed > 0 {
			title = "cloudsync - Sync Complete (with errors)"
		}
		return payload{
			title: title,
			message: fmt.Sprintf("Sync for %s finished in %s: %d added, %d updated, %d deleted, %d failed",
				profile, durationText(event.Duration), c.Added, c.Updated, c.Deleted, c.Failed),
			tags: []string{"cloudsync", "sync", "completed"},
		}
	}
}

func durationText(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

func (n *Notifier) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
