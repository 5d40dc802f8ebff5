package store

import (
	"path/filepath"
	"sync"

	"cipherroom/internal/domain"
)

const syncFilename = "sync.json"

type syncState struct {
	NextBatch string `json:"next_batch"`
}

// SyncFileStore persists the live stream position.
type SyncFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewSyncFileStore returns a SyncFileStore rooted at dir.
func NewSyncFileStore(dir string) *SyncFileStore {
	return &SyncFileStore{dir: dir}
}

// SaveSyncToken records the token to resume from.
func (s *SyncFileStore) SaveSyncToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, syncFilename), syncState{NextBatch: token}, 0o600)
}

// LoadSyncToken returns the saved token, or "" before the first sync.
func (s *SyncFileStore) LoadSyncToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st syncState
	if err := readJSON(filepath.Join(s.dir, syncFilename), &st); err != nil {
		return "", err
	}
	return st.NextBatch, nil
}

// Compile-time assertion that SyncFileStore implements domain.SyncStore.
var _ domain.SyncStore = (*SyncFileStore)(nil)
