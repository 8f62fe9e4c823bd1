package testsupport

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"cloudsync/internal/catalog"
)

// InsertTrack stores track with sensible defaults for unset fields.
func InsertTrack(t testing.TB, db *sql.DB, track catalog.Track) *catalog.Track {
	t.Helper()
	if track.ProviderID == "" {
		track.ProviderID = "localfs"
	}
	if track.FileName == "" {
		track.FileName = track.RemoteID
	}
	if track.MimeType == "" {
		track.MimeType = "audio/mpeg"
	}
	if err := catalog.NewStore(db).Insert(context.Background(), &track); err != nil {
		t.Fatalf("insert track %q: %v", track.RemoteID, err)
	}
	return &track
}

// TimePtr returns a pointer to the UTC form of ts.
func TimePtr(ts time.Time) *time.Time {
	ts = ts.UTC()
	return &ts
}
