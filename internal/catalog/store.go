package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudsync/internal/database"
	"cloudsync/internal/syncerr"
)

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const trackColumns = "id, provider_id, remote_id, file_name, title, artist, album, mime_type, file_size, bitrate, duration_ms, content_hash, provider_modified_at, metadata_updated_at, deleted_at, created_at, updated_at"

// Store reads and writes the tracks table.
type Store struct {
	db DBTX
}

// NewStore wraps a database handle or transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Insert adds a track, assigning an id and timestamps when missing.
func (s *Store) Insert(ctx context.Context, t *Track) error {
	if strings.TrimSpace(t.RemoteID) == "" || strings.TrimSpace(t.ProviderID) == "" {
		return syncerr.Wrap(syncerr.ErrInvalidInput, "catalog", "insert", "provider and remote id are required", nil)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := database.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := database.ExecWithRetry(ctx, s.db,
		`INSERT INTO tracks (`+trackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.ProviderID,
		t.RemoteID,
		database.NullableString(t.FileName),
		database.NullableString(t.Title),
		database.NullableString(t.Artist),
		database.NullableString(t.Album),
		database.NullableString(t.MimeType),
		t.FileSize,
		t.Bitrate,
		t.DurationMS,
		database.NullableString(t.ContentHash),
		database.NullableTime(t.ProviderModifiedAt),
		database.NullableTime(t.MetadataUpdatedAt),
		database.NullableTime(t.DeletedAt),
		database.FormatTime(t.CreatedAt),
		database.FormatTime(t.UpdatedAt),
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "catalog", "insert", t.RemoteID, err)
	}
	return nil
}

// UpdateFile rewrites the file-level columns of a track after a re-download.
func (s *Store) UpdateFile(ctx context.Context, t *Track) error {
	t.UpdatedAt = database.Now()
	res, err := database.ExecWithRetry(ctx, s.db,
		`UPDATE tracks SET file_name = ?, mime_type = ?, file_size = ?, bitrate = ?, duration_ms = ?,
			content_hash = ?, provider_modified_at = ?, updated_at = ?
		WHERE id = ?`,
		database.NullableString(t.FileName),
		database.NullableString(t.MimeType),
		t.FileSize,
		t.Bitrate,
		t.DurationMS,
		database.NullableString(t.ContentHash),
		database.NullableTime(t.ProviderModifiedAt),
		database.FormatTime(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrDatabase, "catalog", "update file", t.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return syncerr.Wrap(syncerr.ErrNotFound, "catalog", "update file", t.ID, nil)
	}
	return nil
}

// Get loads a track by id.
func (s *Store) Get(ctx context.Context, id string) (*Track, error) {
	track, err := scanTrack(s.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.Wrap(syncerr.ErrNotFound, "catalog", "get", id, nil)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "get", id, err)
	}
	return track, nil
}

// ByRemoteID returns the live track bound to remoteID, or nil.
func (s *Store) ByRemoteID(ctx context.Context, providerID, remoteID string) (*Track, error) {
	track, err := scanTrack(s.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE provider_id = ? AND remote_id = ? ORDER BY created_at LIMIT 1`,
		providerID, remoteID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "by remote id", remoteID, err)
	}
	return track, nil
}

// Filter narrows List results.
type Filter struct {
	ProviderID     string
	ContentHash    string
	IncludeDeleted bool
	Limit          int
}

// List returns tracks ordered by creation time.
func (s *Store) List(ctx context.Context, f Filter) ([]*Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE 1 = 1`
	var args []any
	if f.ProviderID != "" {
		query += ` AND provider_id = ?`
		args = append(args, f.ProviderID)
	}
	if f.ContentHash != "" {
		query += ` AND content_hash = ?`
		args = append(args, f.ContentHash)
	}
	if !f.IncludeDeleted {
		query += ` AND remote_id NOT LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(DeletedPrefix))
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, "list", query, args...)
}

// HashGroup is a content hash shared by more than one live track.
type HashGroup struct {
	Hash  string
	Count int
}

// DuplicateHashes returns hashes carried by two or more live tracks of
// providerID, largest groups first. An empty providerID spans the catalog.
func (s *Store) DuplicateHashes(ctx context.Context, providerID string) ([]HashGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, COUNT(1) FROM tracks
		WHERE content_hash IS NOT NULL AND content_hash != '' AND remote_id NOT LIKE ? ESCAPE '\'
		  AND (? = '' OR provider_id = ?)
		GROUP BY content_hash HAVING COUNT(1) > 1
		ORDER BY COUNT(1) DESC, content_hash ASC`,
		likePrefix(DeletedPrefix), providerID, providerID,
	)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "duplicate hashes", "", err)
	}
	defer rows.Close()
	var groups []HashGroup
	for rows.Next() {
		var g HashGroup
		if err := rows.Scan(&g.Hash, &g.Count); err != nil {
			return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "duplicate hashes", "scan", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Delete removes a track row.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := database.ExecWithRetry(ctx, s.db, `DELETE FROM tracks WHERE id = ?`, id)
	if err != nil {
		return false, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "delete", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Rebind moves the live track keyed by oldRemoteID to newRemoteID in place and
// reports how many rows changed.
func (s *Store) Rebind(ctx context.Context, providerID, oldRemoteID, newRemoteID, fileName string) (int64, error) {
	res, err := database.ExecWithRetry(ctx, s.db,
		`UPDATE tracks SET remote_id = ?, file_name = COALESCE(?, file_name), updated_at = ?
		WHERE id = (SELECT id FROM tracks WHERE provider_id = ? AND remote_id = ? ORDER BY created_at LIMIT 1)`,
		newRemoteID, database.NullableString(fileName), database.FormatTime(database.Now()),
		providerID, oldRemoteID,
	)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "rebind", oldRemoteID, err)
	}
	return res.RowsAffected()
}

// SoftDelete rewrites the live track's remote id with DeletedPrefix and stamps
// deleted_at.
func (s *Store) SoftDelete(ctx context.Context, providerID, remoteID string, at time.Time) (int64, error) {
	res, err := database.ExecWithRetry(ctx, s.db,
		`UPDATE tracks SET remote_id = ?, deleted_at = ?, updated_at = ?
		WHERE provider_id = ? AND remote_id = ?`,
		DeletedRemoteID(remoteID), database.FormatTime(at), database.FormatTime(database.Now()),
		providerID, remoteID,
	)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "soft delete", remoteID, err)
	}
	return res.RowsAffected()
}

// HardDelete removes the rows keyed by remoteID.
func (s *Store) HardDelete(ctx context.Context, providerID, remoteID string) (int64, error) {
	res, err := database.ExecWithRetry(ctx, s.db,
		`DELETE FROM tracks WHERE provider_id = ? AND remote_id = ?`, providerID, remoteID)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "hard delete", remoteID, err)
	}
	return res.RowsAffected()
}

// UpdateMetadata overwrites the descriptive fields and stamps
// metadata_updated_at.
func (s *Store) UpdateMetadata(ctx context.Context, id string, m Metadata, at time.Time) (int64, error) {
	res, err := database.ExecWithRetry(ctx, s.db,
		`UPDATE tracks SET title = ?, artist = ?, album = ?, metadata_updated_at = ?, updated_at = ?
		WHERE id = ?`,
		database.NullableString(m.Title),
		database.NullableString(m.Artist),
		database.NullableString(m.Album),
		database.FormatTime(at),
		database.FormatTime(database.Now()),
		id,
	)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "update metadata", id, err)
	}
	return res.RowsAffected()
}

// Count returns the number of tracks, optionally including soft-deleted ones.
func (s *Store) Count(ctx context.Context, includeDeleted bool) (int, error) {
	query := `SELECT COUNT(1) FROM tracks`
	var args []any
	if !includeDeleted {
		query += ` WHERE remote_id NOT LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(DeletedPrefix))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, syncerr.Wrap(syncerr.ErrDatabase, "catalog", "count", "", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]*Track, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", op, "", err)
	}
	defer rows.Close()
	var out []*Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrDatabase, "catalog", op, "scan", err)
		}
		out = append(out, track)
	}
	return out, rows.Err()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func scanTrack(scanner interface{ Scan(dest ...any) error }) (*Track, error) {
	var (
		t           Track
		fileName    sql.NullString
		title       sql.NullString
		artist      sql.NullString
		album       sql.NullString
		mimeType    sql.NullString
		contentHash sql.NullString
		providerMod sql.NullString
		metaUpdated sql.NullString
		deletedAt   sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&t.ID,
		&t.ProviderID,
		&t.RemoteID,
		&fileName,
		&title,
		&artist,
		&album,
		&mimeType,
		&t.FileSize,
		&t.Bitrate,
		&t.DurationMS,
		&contentHash,
		&providerMod,
		&metaUpdated,
		&deletedAt,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	t.FileName = fileName.String
	t.Title = title.String
	t.Artist = artist.String
	t.Album = album.String
	t.MimeType = mimeType.String
	t.ContentHash = contentHash.String
	t.ProviderModifiedAt = database.ScanTime(providerMod)
	t.MetadataUpdatedAt = database.ScanTime(metaUpdated)
	t.DeletedAt = database.ScanTime(deletedAt)
	if created, err := database.ParseTime(createdRaw); err == nil {
		t.CreatedAt = created
	}
	if updated, err := database.ParseTime(updatedRaw); err == nil {
		t.UpdatedAt = updated
	}
	return &t, nil
}
