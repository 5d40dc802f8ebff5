package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"cipherroom/internal/domain"
)

const (
	crossSigningFilename     = "cross_signing.enc"
	bootstrapFailureFilename = "cross_signing_failed.json"
)

// CrossSigningFileStore persists the bootstrapped cross-signing identity.
type CrossSigningFileStore struct {
	dir string
	ks  *Keystore
	mu  sync.Mutex
}

// NewCrossSigningFileStore returns a CrossSigningFileStore rooted at dir.
func NewCrossSigningFileStore(dir string, ks *Keystore) *CrossSigningFileStore {
	return &CrossSigningFileStore{dir: dir, ks: ks}
}

// SaveCrossSigning writes the sealed cross-signing state.
func (s *CrossSigningFileStore) SaveCrossSigning(state domain.CrossSigningState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSealedJSON(s.ks, filepath.Join(s.dir, crossSigningFilename), state)
}

// LoadCrossSigning reads the cross-signing state; ok is false before bootstrap.
func (s *CrossSigningFileStore) LoadCrossSigning() (domain.CrossSigningState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state domain.CrossSigningState
	ok, err := readSealedJSON(s.ks, filepath.Join(s.dir, crossSigningFilename), &state)
	if err != nil || !ok {
		return domain.CrossSigningState{}, false, err
	}
	return state, true, nil
}

// SaveBootstrapFailure writes the failure marker, or removes it when failure
// is nil.
func (s *CrossSigningFileStore) SaveBootstrapFailure(failure *domain.BootstrapFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, bootstrapFailureFilename)
	if failure == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeJSON(path, failure, 0o600)
}

// LoadBootstrapFailure reads the failure marker; ok is false when none is set.
func (s *CrossSigningFileStore) LoadBootstrapFailure() (domain.BootstrapFailure, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, bootstrapFailureFilename))
	if err != nil || b == nil {
		return domain.BootstrapFailure{}, false, err
	}
	var failure domain.BootstrapFailure
	if err := json.Unmarshal(b, &failure); err != nil {
		return domain.BootstrapFailure{}, false, err
	}
	return failure, true, nil
}

// Compile-time assertion that CrossSigningFileStore implements domain.CrossSigningStore.
var _ domain.CrossSigningStore = (*CrossSigningFileStore)(nil)
