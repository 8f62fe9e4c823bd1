package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"cloudsync/internal/catalog"
	"cloudsync/internal/conflict"
	"cloudsync/internal/logging"
	"cloudsync/internal/provider"
	"cloudsync/internal/queue"
	"cloudsync/internal/syncerr"
)

// Result describes what processing one work item did to the catalog.
type Result struct {
	TrackID         string
	IsNew           bool
	Updated         bool
	BytesDownloaded int64
}

// Processor handles a single work item. Implementations own their download
// and extraction retry policy; a returned error marks the item failed.
type Processor interface {
	Process(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (Result, error) {
	return f(ctx, item, src, providerID, fileName)
}

// CatalogProcessor is the default Processor backed by the catalog store.
type CatalogProcessor struct {
	store    *catalog.Store
	resolver *conflict.Resolver
	logger   *slog.Logger
}

// NewCatalogProcessor builds a processor writing through store and merging
// metadata with resolver.
func NewCatalogProcessor(store *catalog.Store, resolver *conflict.Resolver, logger *slog.Logger) *CatalogProcessor {
	return &CatalogProcessor{
		store:    store,
		resolver: resolver,
		logger:   logging.NewComponentLogger(logger, "ingest"),
	}
}

// Process implements Processor.
func (p *CatalogProcessor) Process(ctx context.Context, item *queue.WorkItem, src provider.StorageProvider, providerID, fileName string) (Result, error) {
	if item == nil || src == nil {
		return Result{}, syncerr.Wrap(syncerr.ErrInvalidInput, "ingest", "process", "work item and provider are required", nil)
	}
	existing, err := p.store.ByRemoteID(ctx, providerID, item.RemoteFileID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && unchanged(existing, item) {
		return Result{TrackID: existing.ID}, nil
	}

	data, err := src.Download(ctx, item.RemoteFileID, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, syncerr.Wrap(syncerr.ErrTimeout, "ingest", "download", item.RemoteFileID, err)
		}
		return Result{}, syncerr.Wrap(syncerr.ErrProvider, "ingest", "download", item.RemoteFileID, err)
	}
	sum := sha256.Sum256(data)
	size := int64(len(data))
	bitrate, durationMS := int64(0), int64(0)
	if isMP3(item.MimeType, fileName) {
		if br := mp3Bitrate(data); br > 0 {
			bitrate = br
			durationMS = size * 8 * 1000 / br
		}
	}

	meta := p.describe(ctx, src, item, fileName)
	name := norm.NFC.String(fileName)

	if existing == nil {
		track := &catalog.Track{
			ProviderID:         providerID,
			RemoteID:           item.RemoteFileID,
			FileName:           name,
			Title:              meta.Title,
			Artist:             meta.Artist,
			Album:              meta.Album,
			MimeType:           item.MimeType,
			FileSize:           size,
			Bitrate:            bitrate,
			DurationMS:         durationMS,
			ContentHash:        hex.EncodeToString(sum[:]),
			ProviderModifiedAt: item.ProviderModifiedAt,
			MetadataUpdatedAt:  item.ProviderModifiedAt,
		}
		if err := p.store.Insert(ctx, track); err != nil {
			return Result{}, err
		}
		return Result{TrackID: track.ID, IsNew: true, BytesDownloaded: size}, nil
	}

	existing.FileName = name
	existing.MimeType = item.MimeType
	existing.FileSize = size
	existing.Bitrate = bitrate
	existing.DurationMS = durationMS
	existing.ContentHash = hex.EncodeToString(sum[:])
	existing.ProviderModifiedAt = item.ProviderModifiedAt
	if err := p.store.UpdateFile(ctx, existing); err != nil {
		return Result{}, err
	}
	remoteAt := time.Time{}
	if item.ProviderModifiedAt != nil {
		remoteAt = *item.ProviderModifiedAt
	}
	if res, err := p.resolver.MergeMetadata(ctx, existing.ID, remoteAt, meta); err != nil {
		logging.WarnWithContext(p.logger, "metadata merge failed", "metadata_merge_failed",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("track_id", existing.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "track keeps previous metadata"),
		)
	} else if res.Kind == conflict.ResultUpdated {
		p.logger.Debug("metadata merged", logging.String("track_id", existing.ID))
	}
	return Result{TrackID: existing.ID, Updated: true, BytesDownloaded: size}, nil
}

func (p *CatalogProcessor) describe(ctx context.Context, src provider.StorageProvider, item *queue.WorkItem, fileName string) catalog.Metadata {
	remotePath := fileName
	if meta, err := src.GetMetadata(ctx, item.RemoteFileID); err == nil && meta.Path != "" {
		remotePath = meta.Path
	}
	return catalog.MetadataFromPath(remotePath)
}

func unchanged(track *catalog.Track, item *queue.WorkItem) bool {
	if track.FileSize != item.FileSize {
		return false
	}
	if track.ProviderModifiedAt == nil || item.ProviderModifiedAt == nil {
		return track.ProviderModifiedAt == nil && item.ProviderModifiedAt == nil && track.ContentHash != ""
	}
	return track.ProviderModifiedAt.Equal(*item.ProviderModifiedAt)
}

func isMP3(mimeType, fileName string) bool {
	if strings.EqualFold(strings.TrimSpace(mimeType), "audio/mpeg") {
		return true
	}
	return strings.EqualFold(path.Ext(fileName), ".mp3")
}
