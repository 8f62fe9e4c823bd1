// Package coordinator drives sync jobs end to end.
//
// StartFullSync and StartIncrementalSync validate the request (one active
// sync per profile, the wifi_only network gate, an authenticated session for
// a registered provider), persist a pending job, and hand it to a background
// goroutine. That goroutine discovers remote files page by page, filters
// them down to audio, enqueues work items, drains them through the scan
// queue with bounded concurrency, runs the conflict resolution pass, and
// records the outcome.
//
// Failures while discovering, filtering or enqueueing fail the job. Failures
// of individual items are retried by the queue and never fail the job.
// Cancellation is cooperative: it is observed between discovery pages and
// before each dequeue, and items already in flight are allowed to finish.
package coordinator
