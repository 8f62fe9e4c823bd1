// Package queue implements the durable scan queue that feeds sync workers.
//
// Work items live in the work_items table and move through
// pending → processing → completed | failed. Dequeue hands out at most
// MaxConcurrent items at a time: each returned item holds a semaphore permit
// until MarkComplete or MarkFailed releases it. Failed attempts are retried up
// to MaxRetries times and each retry waits out NextRetryDelay before the item
// becomes eligible again. ReclaimStale requeues items abandoned in processing by
// a crashed or stuck worker.
package queue
