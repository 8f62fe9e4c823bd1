package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists sessions as JSON keyed by profile id.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first
// Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string {
	return f.path
}

// Session implements Source.
func (f *FileStore) Session(_ context.Context, profileID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.read()
	if err != nil {
		return nil, err
	}
	return sessions[profileID], nil
}

// Save writes or replaces the session for s.ProfileID.
func (f *FileStore) Save(s *Session) error {
	if s == nil || strings.TrimSpace(s.ProfileID) == "" {
		return errors.New("session profile id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.read()
	if err != nil {
		return err
	}
	sessions[s.ProfileID] = s
	return f.write(sessions)
}

// Delete removes a profile's session. Unknown profiles are ignored.
func (f *FileStore) Delete(profileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := sessions[profileID]; !ok {
		return nil
	}
	delete(sessions, profileID)
	return f.write(sessions)
}

// Profiles lists stored profile ids in order.
func (f *FileStore) Profiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) read() (map[string]*Session, error) {
	sessions := make(map[string]*Session)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return sessions, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return sessions, nil
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return sessions, nil
}

func (f *FileStore) write(sessions map[string]*Session) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
