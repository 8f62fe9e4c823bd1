package coordinator

import (
	"context"
	"errors"
	"time"

	"cloudsync/internal/logging"
)

// startHeartbeat refreshes itemID on a ticker so the stale sweep leaves it
// alone while it is processed. The returned func stops the loop and waits
// for it to exit.
func (c *Coordinator) startHeartbeat(ctx context.Context, itemID string) func() {
	interval := c.cfg.StaleAfter() / 3
	if interval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	logger := logging.WithContext(hbCtx, c.logger)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.queue.Heartbeat(hbCtx, itemID); err != nil {
					if errors.Is(err, context.Canceled) || hbCtx.Err() != nil {
						return
					}
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
