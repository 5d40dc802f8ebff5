package store

import (
	"path/filepath"
	"sync"

	"cipherroom/internal/domain"
)

const accountFilename = "account.enc"

// AccountFileStore persists the logged-in account profile, access token
// included, sealed under the keystore.
type AccountFileStore struct {
	dir string
	ks  *Keystore
	mu  sync.Mutex
}

// NewAccountFileStore returns an AccountFileStore rooted at the home dir.
func NewAccountFileStore(dir string, ks *Keystore) *AccountFileStore {
	return &AccountFileStore{dir: dir, ks: ks}
}

// SaveAccount stores or replaces the profile.
func (s *AccountFileStore) SaveAccount(profile domain.AccountProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSealedJSON(s.ks, filepath.Join(s.dir, accountFilename), profile)
}

// LoadAccount retrieves the profile; ok is false before the first login.
func (s *AccountFileStore) LoadAccount() (domain.AccountProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var profile domain.AccountProfile
	ok, err := readSealedJSON(s.ks, filepath.Join(s.dir, accountFilename), &profile)
	if err != nil || !ok {
		return domain.AccountProfile{}, false, err
	}
	return profile, true, nil
}

// Compile-time assertion that AccountFileStore implements domain.AccountStore.
var _ domain.AccountStore = (*AccountFileStore)(nil)
