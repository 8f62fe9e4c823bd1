// Package catalog stores the local track catalog that sync passes reconcile
// against.
//
// Soft-deleted tracks keep their row but have their remote id rewritten with
// DeletedPrefix so they no longer match any remote file.
package catalog

import (
	"strings"
	"time"
)

// DeletedPrefix marks a soft-deleted track's remote id.
const DeletedPrefix = "DELETED_"

// Track is one cataloged audio file.
type Track struct {
	ID                 string
	ProviderID         string
	RemoteID           string
	FileName           string
	Title              string
	Artist             string
	Album              string
	MimeType           string
	FileSize           int64
	Bitrate            int64
	DurationMS         int64
	ContentHash        string
	ProviderModifiedAt *time.Time
	MetadataUpdatedAt  *time.Time
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDeleted reports whether the track has been soft-deleted.
func (t *Track) IsDeleted() bool {
	return strings.HasPrefix(t.RemoteID, DeletedPrefix)
}

// DeletedRemoteID returns the sentinel-prefixed form of remoteID.
func DeletedRemoteID(remoteID string) string {
	return DeletedPrefix + remoteID
}
