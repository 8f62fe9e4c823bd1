package testsupport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloudsync/internal/auth"
	"cloudsync/internal/events"
	"cloudsync/internal/provider"
	"cloudsync/internal/syncerr"
)

// FakeProvider is an in-memory StorageProvider. Listing pages through Files;
// the change feed replays Changes from an integer offset cursor.
type FakeProvider struct {
	mu       sync.Mutex
	files    []provider.RemoteFile
	content  map[string][]byte
	changes  []provider.Change
	pageSize int

	// BlockListing makes ListMedia and GetChanges wait for ctx to end.
	BlockListing bool
	// ListErr fails every ListMedia call.
	ListErr error
	// Listing is signalled on each discovery call.
	Listing chan struct{}

	downloads atomic.Int64
}

// NewFakeProvider returns an empty provider serving pageSize files per page.
func NewFakeProvider(pageSize int) *FakeProvider {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &FakeProvider{
		content:  make(map[string][]byte),
		pageSize: pageSize,
		Listing:  make(chan struct{}, 16),
	}
}

// AddFile adds a live file with content; size and name are derived.
func (p *FakeProvider) AddFile(id, mimeType string, content []byte, modified time.Time) provider.RemoteFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	file := provider.RemoteFile{
		ID:         id,
		Name:       id,
		Path:       id,
		MimeType:   mimeType,
		Size:       int64(len(content)),
		ModifiedAt: modified.UTC(),
	}
	p.files = append(p.files, file)
	p.content[id] = content
	return file
}

// AddChange appends a change feed entry.
func (p *FakeProvider) AddChange(change provider.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

// Downloads reports how many Download calls were made.
func (p *FakeProvider) Downloads() int {
	return int(p.downloads.Load())
}

func (p *FakeProvider) signal(ctx context.Context) error {
	select {
	case p.Listing <- struct{}{}:
	default:
	}
	if p.BlockListing {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// ListMedia implements provider.StorageProvider.
func (p *FakeProvider) ListMedia(ctx context.Context, cursor string) (provider.Page, error) {
	if err := p.signal(ctx); err != nil {
		return provider.Page{}, err
	}
	if p.ListErr != nil {
		return provider.Page{}, p.ListErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	offset, _ := strconv.Atoi(cursor)
	end := min(offset+p.pageSize, len(p.files))
	page := provider.Page{Files: append([]provider.RemoteFile(nil), p.files[min(offset, len(p.files)):end]...)}
	if end < len(p.files) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Download implements provider.StorageProvider.
func (p *FakeProvider) Download(ctx context.Context, fileID string, _ *provider.ByteRange) ([]byte, error) {
	p.downloads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.content[fileID]
	if !ok {
		return nil, syncerr.Wrap(syncerr.ErrNotFound, "fake", "download", fileID, nil)
	}
	return append([]byte(nil), data...), nil
}

// GetChanges implements provider.StorageProvider.
func (p *FakeProvider) GetChanges(ctx context.Context, cursor string) (provider.ChangePage, error) {
	if err := p.signal(ctx); err != nil {
		return provider.ChangePage{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	offset, err := strconv.Atoi(cursor)
	if err != nil {
		return provider.ChangePage{}, syncerr.Wrap(syncerr.ErrInvalidInput, "fake", "get changes", cursor, err)
	}
	end := min(offset+p.pageSize, len(p.changes))
	page := provider.ChangePage{Changes: append([]provider.Change(nil), p.changes[min(offset, len(p.changes)):end]...)}
	if end < len(p.changes) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		page.Checkpoint = strconv.Itoa(end)
	}
	return page, nil
}

// GetMetadata implements provider.StorageProvider.
func (p *FakeProvider) GetMetadata(_ context.Context, fileID string) (provider.RemoteFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, file := range p.files {
		if file.ID == fileID {
			return file, nil
		}
	}
	return provider.RemoteFile{}, syncerr.Wrap(syncerr.ErrNotFound, "fake", "get metadata", fileID, nil)
}

// ChangeCursor implements provider.StorageProvider.
func (p *FakeProvider) ChangeCursor(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strconv.Itoa(len(p.changes)), nil
}

// Sessions returns a source holding one valid session per profile, all bound
// to providerKind.
func Sessions(providerKind string, profiles ...string) auth.StaticSource {
	src := make(auth.StaticSource, len(profiles))
	for _, profile := range profiles {
		src[profile] = &auth.Session{ProfileID: profile, Provider: providerKind}
	}
	return src
}

// EventRecorder is an events.Bus that keeps every event.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Bus.
func (r *EventRecorder) Publish(_ context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types returns the recorded event types for jobID, in order.
func (r *EventRecorder) Types(jobID string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []events.Type
	for _, event := range r.events {
		if event.JobID == jobID {
			types = append(types, event.Type)
		}
	}
	return types
}
