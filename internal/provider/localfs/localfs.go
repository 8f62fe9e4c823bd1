// Package localfs is a StorageProvider over a local directory tree.
//
// File ids are slash-separated paths relative to the root. Listing cursors are
// page offsets into the sorted walk. The change feed uses a change-time
// watermark: files whose mtime or ctime is after the watermark are reported as
// changed, and files moved under the .trash directory are reported as removed
// under their original id.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/unicode/norm"

	"cloudsync/internal/provider"
	"cloudsync/internal/syncerr"
)

// Kind is the registry key of the local provider.
const Kind = "localfs"

// TrashDir holds removed files, mirroring their original layout.
const TrashDir = ".trash"

const defaultPageSize = 200

var audioMimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
}

// Option customizes a Provider.
type Option func(*Provider)

// WithPageSize sets the listing page size.
func WithPageSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithoutHashes disables content hashing during listing, like vendors whose
// listing API carries no digest.
func WithoutHashes() Option {
	return func(p *Provider) {
		p.hashes = false
	}
}

// Provider serves files from root.
type Provider struct {
	root     string
	pageSize int
	hashes   bool
}

// New returns a provider rooted at root.
func New(root string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "open", "root is required", nil)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrProvider, "localfs", "open", abs, err)
	}
	if !info.IsDir() {
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "open", abs+" is not a directory", nil)
	}
	p := &Provider{root: abs, pageSize: defaultPageSize, hashes: true}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the absolute root directory.
func (p *Provider) Root() string {
	return p.root
}

type entry struct {
	id      string
	abs     string
	info    fs.FileInfo
	changed time.Time
	trashed bool
}

// walk returns every entry under root in lexical order. Trashed files are
// returned with trashed set and their original id.
func (p *Provider) walk(ctx context.Context) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(p.root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if abs == p.root {
			return nil
		}
		rel, err := filepath.Rel(p.root, abs)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		trashed := false
		if id == TrashDir {
			return nil
		}
		if strings.HasPrefix(id, TrashDir+"/") {
			trashed = true
			id = strings.TrimPrefix(id, TrashDir+"/")
			if d.IsDir() {
				return nil
			}
		} else if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{id: id, abs: abs, info: info, changed: changeTime(abs, info), trashed: trashed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func changeTime(abs string, info fs.FileInfo) time.Time {
	changed := info.ModTime()
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err == nil {
		ctime := time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
		if ctime.After(changed) {
			changed = ctime
		}
	}
	return changed.UTC()
}

func (p *Provider) remoteFile(e entry) (provider.RemoteFile, error) {
	file := provider.RemoteFile{
		ID:         e.id,
		Name:       norm.NFC.String(path.Base(e.id)),
		Path:       norm.NFC.String(e.id),
		IsFolder:   e.info.IsDir(),
		ModifiedAt: e.info.ModTime().UTC(),
	}
	if file.IsFolder {
		file.MimeType = "application/vnd.folder"
		return file, nil
	}
	file.Size = e.info.Size()
	file.MimeType = mimeType(e.id)
	if p.hashes {
		hash, err := hashFile(e.abs)
		if err != nil {
			return provider.RemoteFile{}, err
		}
		file.ContentHash = hash
	}
	return file, nil
}

func mimeType(id string) string {
	ext := strings.ToLower(path.Ext(id))
	if mt, ok := audioMimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if base, _, ok := strings.Cut(mt, ";"); ok {
			return strings.TrimSpace(base)
		}
		return mt
	}
	return "application/octet-stream"
}

func hashFile(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListMedia returns one page of the live (non-trashed) tree, folders included.
func (p *Provider) ListMedia(ctx context.Context, cursor string) (provider.Page, error) {
	offset, err := parseOffset(cursor)
	if err != nil {
		return provider.Page{}, err
	}
	all, err := p.walk(ctx)
	if err != nil {
		return provider.Page{}, syncerr.Wrap(syncerr.ErrProvider, "localfs", "list media", "", err)
	}
	live := all[:0]
	for _, e := range all {
		if !e.trashed {
			live = append(live, e)
		}
	}

	page := provider.Page{}
	end := min(offset+p.pageSize, len(live))
	for _, e := range live[min(offset, len(live)):end] {
		file, err := p.remoteFile(e)
		if err != nil {
			return provider.Page{}, syncerr.Wrap(syncerr.ErrProvider, "localfs", "list media", e.id, err)
		}
		page.Files = append(page.Files, file)
	}
	if end < len(live) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func parseOffset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "parse cursor", cursor, err)
	}
	return offset, nil
}

// Download reads the file, or the requested byte range of it.
func (p *Provider) Download(ctx context.Context, fileID string, rng *provider.ByteRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := p.resolve(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, p.notFoundOr(fileID, "download", err)
	}
	defer f.Close()

	if rng == nil {
		return io.ReadAll(f)
	}
	if rng.Start < 0 || (rng.End > 0 && rng.End < rng.Start) {
		return nil, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "download", fmt.Sprintf("bad range %d-%d", rng.Start, rng.End), nil)
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrProvider, "localfs", "download", fileID, err)
	}
	var r io.Reader = f
	if rng.End > 0 {
		r = io.LimitReader(f, rng.End-rng.Start)
	}
	return io.ReadAll(r)
}

// GetMetadata stats a single live file.
func (p *Provider) GetMetadata(ctx context.Context, fileID string) (provider.RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return provider.RemoteFile{}, err
	}
	abs, err := p.resolve(fileID)
	if err != nil {
		return provider.RemoteFile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return provider.RemoteFile{}, p.notFoundOr(fileID, "get metadata", err)
	}
	return p.remoteFile(entry{id: fileID, abs: abs, info: info})
}

// ChangeCursor returns a watermark at the current time.
func (p *Provider) ChangeCursor(context.Context) (string, error) {
	return formatWatermark(time.Now().UTC(), 0), nil
}

// GetChanges reports files changed after the cursor's watermark, oldest first.
func (p *Provider) GetChanges(ctx context.Context, cursor string) (provider.ChangePage, error) {
	watermark, offset, err := parseWatermark(cursor)
	if err != nil {
		return provider.ChangePage{}, err
	}
	all, err := p.walk(ctx)
	if err != nil {
		return provider.ChangePage{}, syncerr.Wrap(syncerr.ErrProvider, "localfs", "get changes", "", err)
	}

	var changed []entry
	latest := watermark
	for _, e := range all {
		if e.info.IsDir() || !e.changed.After(watermark) {
			continue
		}
		changed = append(changed, e)
		if e.changed.After(latest) {
			latest = e.changed
		}
	}
	sort.SliceStable(changed, func(i, j int) bool {
		if !changed[i].changed.Equal(changed[j].changed) {
			return changed[i].changed.Before(changed[j].changed)
		}
		return changed[i].id < changed[j].id
	})

	page := provider.ChangePage{}
	end := min(offset+p.pageSize, len(changed))
	for _, e := range changed[min(offset, len(changed)):end] {
		if e.trashed {
			page.Changes = append(page.Changes, provider.Change{FileID: e.id, Removed: true})
			continue
		}
		file, err := p.remoteFile(e)
		if err != nil {
			return provider.ChangePage{}, syncerr.Wrap(syncerr.ErrProvider, "localfs", "get changes", e.id, err)
		}
		page.Changes = append(page.Changes, provider.Change{FileID: e.id, File: &file})
	}
	if end < len(changed) {
		page.NextCursor = formatWatermark(watermark, end)
	} else {
		page.Checkpoint = formatWatermark(latest, 0)
	}
	return page, nil
}

func formatWatermark(t time.Time, offset int) string {
	return strconv.FormatInt(t.UnixNano(), 10) + ":" + strconv.Itoa(offset)
}

func parseWatermark(cursor string) (time.Time, int, error) {
	nanos, offsetRaw, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, 0, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "parse cursor", cursor, nil)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, 0, syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "parse cursor", cursor, err)
	}
	offset, err := parseOffset(offsetRaw)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.Unix(0, n).UTC(), offset, nil
}

func (p *Provider) resolve(fileID string) (string, error) {
	clean := path.Clean("/" + fileID)
	if clean == "/" || strings.HasPrefix(clean, "/"+TrashDir+"/") {
		return "", syncerr.Wrap(syncerr.ErrInvalidInput, "localfs", "resolve", fileID, nil)
	}
	return filepath.Join(p.root, filepath.FromSlash(clean[1:])), nil
}

func (p *Provider) notFoundOr(fileID, op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return syncerr.Wrap(syncerr.ErrNotFound, "localfs", op, fileID, err)
	}
	return syncerr.Wrap(syncerr.ErrProvider, "localfs", op, fileID, err)
}

var _ provider.StorageProvider = (*Provider)(nil)
