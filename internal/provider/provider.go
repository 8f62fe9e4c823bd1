// Package provider defines the storage provider contract the sync engine
// discovers and downloads files through.
//
// Cursors are opaque to callers. An empty NextCursor means the last page was
// returned.
package provider

import (
	"context"
	"time"
)

// RemoteFile is one entry of a provider listing.
type RemoteFile struct {
	ID         string
	Name       string
	Path       string
	MimeType   string
	Size       int64
	IsFolder   bool
	ModifiedAt time.Time
	// ContentHash is optional; providers that expose a digest during listing
	// enable rename detection.
	ContentHash string
}

// Page is one page of ListMedia results.
type Page struct {
	Files      []RemoteFile
	NextCursor string
}

// Change is one entry of the provider change feed.
type Change struct {
	FileID  string
	Removed bool
	// File is populated for additions and modifications.
	File *RemoteFile
}

// ChangePage is one page of GetChanges results. Checkpoint is set on the
// last page and is where the next incremental sync should resume.
type ChangePage struct {
	Changes    []Change
	NextCursor string
	Checkpoint string
}

// ByteRange selects part of a file; a nil range downloads everything. End is
// exclusive.
type ByteRange struct {
	Start int64
	End   int64
}

// StorageProvider is implemented once per storage vendor.
type StorageProvider interface {
	ListMedia(ctx context.Context, cursor string) (Page, error)
	Download(ctx context.Context, fileID string, rng *ByteRange) ([]byte, error)
	GetChanges(ctx context.Context, cursor string) (ChangePage, error)
	GetMetadata(ctx context.Context, fileID string) (RemoteFile, error)
	// ChangeCursor returns the current head of the change feed.
	ChangeCursor(ctx context.Context) (string, error)
}
