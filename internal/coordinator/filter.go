package coordinator

import (
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"cloudsync/internal/config"
	"cloudsync/internal/provider"
)

// audioFilter keeps non-folder files within the size limit whose mime type
// or extension is in the configured audio set. Matching is case-folded. Not
// safe for concurrent use.
type audioFilter struct {
	maxSize int64
	mimes   map[string]struct{}
	exts    map[string]struct{}
	fold    cases.Caser
}

func newAudioFilter(cfg *config.Config) *audioFilter {
	f := &audioFilter{
		maxSize: cfg.MaxFileSizeBytes(),
		mimes:   make(map[string]struct{}, len(cfg.Sync.AudioMimeTypes)),
		exts:    make(map[string]struct{}, len(cfg.Sync.AudioExtensions)),
		fold:    cases.Fold(),
	}
	for _, m := range cfg.Sync.AudioMimeTypes {
		f.mimes[f.key(m)] = struct{}{}
	}
	for _, e := range cfg.Sync.AudioExtensions {
		f.exts[f.key(e)] = struct{}{}
	}
	return f
}

func (f *audioFilter) key(s string) string {
	return f.fold.String(norm.NFC.String(strings.TrimSpace(s)))
}

// Keep reports whether file should be enqueued.
func (f *audioFilter) Keep(file provider.RemoteFile) bool {
	if file.IsFolder {
		return false
	}
	if f.maxSize > 0 && file.Size > f.maxSize {
		return false
	}
	mime, _, _ := strings.Cut(file.MimeType, ";")
	if _, ok := f.mimes[f.key(mime)]; ok && mime != "" {
		return true
	}
	name := file.Name
	if name == "" {
		name = path.Base(file.ID)
	}
	ext := path.Ext(name)
	if ext == "" {
		return false
	}
	_, ok := f.exts[f.key(ext)]
	return ok
}

// Apply returns the files Keep accepts, in order.
func (f *audioFilter) Apply(files []provider.RemoteFile) []provider.RemoteFile {
	kept := make([]provider.RemoteFile, 0, len(files))
	for _, file := range files {
		if f.Keep(file) {
			kept = append(kept, file)
		}
	}
	return kept
}
