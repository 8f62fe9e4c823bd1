package conflict

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cloudsync/internal/catalog"
	"cloudsync/internal/config"
	"cloudsync/internal/database"
	"cloudsync/internal/logging"
	"cloudsync/internal/provider"
	"cloudsync/internal/syncerr"
)

// Options configures a Resolver.
type Options struct {
	// Policy is config.PolicyKeepNewest or config.PolicyKeepBoth.
	Policy string
	Now    func() time.Time
	Logger *slog.Logger
}

// Resolver applies conflict primitives to the catalog.
type Resolver struct {
	db     *sql.DB
	store  *catalog.Store
	policy string
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver builds a Resolver over the catalog database.
func NewResolver(db *sql.DB, opts Options) *Resolver {
	policy := opts.Policy
	if policy == "" {
		policy = config.PolicyKeepNewest
	}
	now := opts.Now
	if now == nil {
		now = database.Now
	}
	return &Resolver{
		db:     db,
		store:  catalog.NewStore(db),
		policy: policy,
		now:    now,
		logger: logging.NewComponentLogger(opts.Logger, "conflict"),
	}
}

// Policy returns the configured conflict policy.
func (r *Resolver) Policy() string {
	return r.policy
}

// DetectDuplicates groups live tracks by content hash and returns every group
// of two or more. WastedSpace uses the first member's size as representative.
func (r *Resolver) DetectDuplicates(ctx context.Context) ([]DuplicateSet, error) {
	return r.DetectDuplicatesIn(ctx, "")
}

// DetectDuplicatesIn is DetectDuplicates restricted to one provider id.
func (r *Resolver) DetectDuplicatesIn(ctx context.Context, providerID string) ([]DuplicateSet, error) {
	groups, err := r.store.DuplicateHashes(ctx, providerID)
	if err != nil {
		return nil, err
	}
	sets := make([]DuplicateSet, 0, len(groups))
	for _, g := range groups {
		tracks, err := r.store.List(ctx, catalog.Filter{ProviderID: providerID, ContentHash: g.Hash})
		if err != nil {
			return nil, err
		}
		if len(tracks) < 2 {
			continue
		}
		ids := make([]string, 0, len(tracks))
		for _, t := range tracks {
			ids = append(ids, t.ID)
		}
		sets = append(sets, DuplicateSet{
			Hash:        g.Hash,
			TrackIDs:    ids,
			WastedSpace: tracks[0].FileSize * int64(len(tracks)-1),
		})
	}
	return sets, nil
}

// Deduplicate keeps the highest-bitrate member of set (ties go to the most
// recent provider modification) and deletes the rest in one transaction.
// References to the deleted ids held outside the catalog are not repointed.
func (r *Resolver) Deduplicate(ctx context.Context, set DuplicateSet) ([]ResolutionResult, error) {
	if len(set.TrackIDs) < 2 {
		return nil, nil
	}
	var results []ResolutionResult
	err := database.InTx(ctx, r.db, func(tx *sql.Tx) error {
		results = results[:0]
		store := r.store.WithTx(tx)
		members := make([]*catalog.Track, 0, len(set.TrackIDs))
		for _, id := range set.TrackIDs {
			track, err := store.Get(ctx, id)
			if errors.Is(err, syncerr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			members = append(members, track)
		}
		if len(members) < 2 {
			return nil
		}
		primary := pickPrimary(members)
		for _, track := range members {
			if track.ID == primary.ID {
				continue
			}
			removed, err := store.Delete(ctx, track.ID)
			if err != nil {
				return err
			}
			if removed {
				results = append(results, Merged(primary.ID, track.ID, track.FileSize))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func pickPrimary(tracks []*catalog.Track) *catalog.Track {
	best := tracks[0]
	for _, t := range tracks[1:] {
		if t.Bitrate > best.Bitrate {
			best = t
			continue
		}
		if t.Bitrate == best.Bitrate && newer(t.ProviderModifiedAt, best.ProviderModifiedAt) {
			best = t
		}
	}
	return best
}

// newer reports whether a is strictly after b; an unknown time is oldest.
func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// ResolveRename rebinds the live track keyed by oldRemoteID to newRemoteID in
// place.
func (r *Resolver) ResolveRename(ctx context.Context, providerID, oldRemoteID, newRemoteID, name string) (ResolutionResult, error) {
	if strings.TrimSpace(oldRemoteID) == "" || strings.TrimSpace(newRemoteID) == "" {
		return NoAction(), syncerr.Wrap(syncerr.ErrInvalidInput, "conflict", "resolve rename", "remote ids are required", nil)
	}
	if oldRemoteID == newRemoteID {
		return NoAction(), nil
	}
	n, err := r.store.Rebind(ctx, providerID, oldRemoteID, newRemoteID, name)
	if err != nil {
		return NoAction(), err
	}
	if n == 0 {
		return NoAction(), nil
	}
	return Renamed(oldRemoteID, newRemoteID), nil
}

// HandleDeletion removes the track bound to remoteID. Soft deletion rewrites
// the remote id with catalog.DeletedPrefix so the row stops matching while
// its history is kept; hard deletion drops the row.
func (r *Resolver) HandleDeletion(ctx context.Context, providerID, remoteID string, hard bool) (ResolutionResult, error) {
	if remoteID == "" || strings.HasPrefix(remoteID, catalog.DeletedPrefix) {
		return NoAction(), nil
	}
	var (
		n   int64
		err error
	)
	if hard {
		n, err = r.store.HardDelete(ctx, providerID, remoteID)
	} else {
		n, err = r.store.SoftDelete(ctx, providerID, remoteID, r.now())
	}
	if err != nil {
		return NoAction(), err
	}
	if n == 0 {
		return NoAction(), nil
	}
	return Deleted(remoteID, hard), nil
}

// MergeMetadata applies remote descriptive fields to a track. Under
// keep_newest the fields are written only when remoteModifiedAt is after the
// track's metadata timestamp, or the track has none. keep_both never
// overwrites.
func (r *Resolver) MergeMetadata(ctx context.Context, trackID string, remoteModifiedAt time.Time, fields catalog.Metadata) (ResolutionResult, error) {
	if r.policy == config.PolicyKeepBoth {
		return NoAction(), nil
	}
	track, err := r.store.Get(ctx, trackID)
	if err != nil {
		return NoAction(), err
	}
	if track.MetadataUpdatedAt != nil && !remoteModifiedAt.After(*track.MetadataUpdatedAt) {
		return NoAction(), nil
	}
	at := remoteModifiedAt
	if at.IsZero() {
		at = r.now()
	}
	n, err := r.store.UpdateMetadata(ctx, trackID, fields, at)
	if err != nil {
		return NoAction(), err
	}
	if n == 0 {
		return NoAction(), nil
	}
	return Updated(trackID), nil
}

// VanishedFunc reports whether remoteID is no longer present at the provider.
type VanishedFunc func(ctx context.Context, remoteID string) (bool, error)

// RenameCandidates matches listed files that have no live track of their own
// against live tracks with the same content hash whose remote id vanished.
// Files without a content hash are never candidates. Each track is claimed at
// most once.
func (r *Resolver) RenameCandidates(ctx context.Context, providerID string, files []provider.RemoteFile, vanished VanishedFunc) ([]Rename, error) {
	claimed := make(map[string]struct{})
	var renames []Rename
	for _, file := range files {
		if file.ContentHash == "" || file.IsFolder {
			continue
		}
		existing, err := r.store.ByRemoteID(ctx, providerID, file.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		matches, err := r.store.List(ctx, catalog.Filter{ProviderID: providerID, ContentHash: file.ContentHash})
		if err != nil {
			return nil, err
		}
		for _, track := range matches {
			if _, taken := claimed[track.ID]; taken || track.RemoteID == file.ID {
				continue
			}
			gone, err := vanished(ctx, track.RemoteID)
			if err != nil {
				logging.WarnWithContext(r.logger, "rename check failed", "rename_check_failed",
					logging.String("remote_id", track.RemoteID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "file treated as new"),
				)
				continue
			}
			if !gone {
				continue
			}
			claimed[track.ID] = struct{}{}
			renames = append(renames, Rename{
				TrackID:     track.ID,
				OldRemoteID: track.RemoteID,
				NewRemoteID: file.ID,
				FileName:    file.Name,
			})
			break
		}
	}
	return renames, nil
}
