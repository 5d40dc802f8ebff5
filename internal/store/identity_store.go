package store

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const idFilename = "identity.enc"

// AccountDir returns the directory holding one device's state under home.
func AccountDir(home string, user id.UserID, device id.DeviceID) string {
	return filepath.Join(home, "accounts", url.PathEscape(string(user)), url.PathEscape(string(device)))
}

// IdentityFileStore persists the local identity to disk.
type IdentityFileStore struct {
	dir string
	ks  *Keystore
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string, ks *Keystore) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, ks: ks}
}

// SaveIdentity writes the sealed identity to disk.
func (s *IdentityFileStore) SaveIdentity(identity domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return writeSealed(s.ks, filepath.Join(s.dir, idFilename), raw)
}

// LoadIdentity reads and opens the identity; ok is false if none was saved.
func (s *IdentityFileStore) LoadIdentity() (domain.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var identity domain.Identity
	ok, err := readSealedJSON(s.ks, filepath.Join(s.dir, idFilename), &identity)
	if err != nil || !ok {
		return domain.Identity{}, false, err
	}
	return identity, true, nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
