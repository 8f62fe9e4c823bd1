// Package ingest turns a dequeued work item into a catalog track.
//
// The Processor contract is what the sync coordinator calls for every item.
// CatalogProcessor is the default implementation: it skips files whose
// remote modification time and size are unchanged, otherwise downloads the
// file, hashes it, estimates bitrate for MP3 content, and inserts or updates
// the track. Descriptive fields come from the remote path and are merged
// through the conflict resolver so the configured policy applies.
package ingest
