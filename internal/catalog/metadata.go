package catalog

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Metadata holds the descriptive fields merged into a track.
type Metadata struct {
	Title  string
	Artist string
	Album  string
}

var trackNumberPrefix = regexp.MustCompile(`^\s*\d{1,3}\s*[-._ ]\s*`)

// MetadataFromPath derives descriptive fields from an Artist/Album/NN - Title
// layout. Missing levels are left empty.
func MetadataFromPath(remotePath string) Metadata {
	clean := norm.NFC.String(strings.Trim(path.Clean("/"+remotePath), "/"))
	if clean == "" {
		return Metadata{}
	}
	parts := strings.Split(clean, "/")
	base := parts[len(parts)-1]
	title := strings.TrimSuffix(base, path.Ext(base))
	if stripped := trackNumberPrefix.ReplaceAllString(title, ""); stripped != "" {
		title = stripped
	}
	m := Metadata{Title: strings.TrimSpace(title)}
	switch {
	case len(parts) >= 3:
		m.Artist = parts[len(parts)-3]
		m.Album = parts[len(parts)-2]
	case len(parts) == 2:
		m.Artist = parts[0]
	}
	return m
}
