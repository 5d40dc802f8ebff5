package store

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const roomsFilename = "rooms.json"

type roomsFile struct {
	Policies map[id.RoomID]domain.RoomEncryptionPolicy `json:"policies"`
	Members  map[id.RoomID]domain.RoomMembers          `json:"members"`
}

// RoomFileStore persists per-room encryption policies and member caches.
type RoomFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewRoomFileStore returns a RoomFileStore rooted at dir.
func NewRoomFileStore(dir string) *RoomFileStore {
	return &RoomFileStore{dir: dir}
}

func (s *RoomFileStore) load() (roomsFile, error) {
	f := roomsFile{}
	if err := readJSON(filepath.Join(s.dir, roomsFilename), &f); err != nil {
		return f, err
	}
	if f.Policies == nil {
		f.Policies = make(map[id.RoomID]domain.RoomEncryptionPolicy)
	}
	if f.Members == nil {
		f.Members = make(map[id.RoomID]domain.RoomMembers)
	}
	return f, nil
}

func (s *RoomFileStore) save(f roomsFile) error {
	return writeJSON(filepath.Join(s.dir, roomsFilename), f, 0o600)
}

// SavePolicy stores or updates a room's policy.
func (s *RoomFileStore) SavePolicy(policy domain.RoomEncryptionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Policies[policy.RoomID] = policy
	return s.save(f)
}

// LoadPolicy returns a room's policy.
func (s *RoomFileStore) LoadPolicy(roomID id.RoomID) (domain.RoomEncryptionPolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return domain.RoomEncryptionPolicy{}, false, err
	}
	p, ok := f.Policies[roomID]
	return p, ok, nil
}

// ListPolicies returns every stored policy ordered by room id.
func (s *RoomFileStore) ListPolicies() ([]domain.RoomEncryptionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomEncryptionPolicy, 0, len(f.Policies))
	for _, p := range f.Policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.RoomEncryptionPolicy) int {
		return strings.Compare(string(a.RoomID), string(b.RoomID))
	})
	return out, nil
}

// SaveMembers replaces a room's member cache.
func (s *RoomFileStore) SaveMembers(members domain.RoomMembers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Members[members.RoomID] = members
	return s.save(f)
}

// LoadMembers returns a room's member cache.
func (s *RoomFileStore) LoadMembers(roomID id.RoomID) (domain.RoomMembers, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return domain.RoomMembers{}, false, err
	}
	m, ok := f.Members[roomID]
	return m, ok, nil
}

// Compile-time assertion that RoomFileStore implements domain.RoomStore.
var _ domain.RoomStore = (*RoomFileStore)(nil)
