package store

import (
	"path/filepath"
	"slices"
	"sync"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
	"cipherroom/internal/domain/types"
)

const devicesFilename = "devices.enc"

type deviceRecord struct {
	Primary   domain.PeerDevice   `json:"primary"`
	Conflicts []domain.PeerDevice `json:"conflicts,omitempty"`
}

// DeviceFileStore persists the peer device trust table.
type DeviceFileStore struct {
	dir string
	ks  *Keystore
	mu  sync.Mutex
}

// NewDeviceFileStore returns a DeviceFileStore rooted at dir.
func NewDeviceFileStore(dir string, ks *Keystore) *DeviceFileStore {
	return &DeviceFileStore{dir: dir, ks: ks}
}

func (s *DeviceFileStore) path() string { return filepath.Join(s.dir, devicesFilename) }

func (s *DeviceFileStore) load() (map[string]deviceRecord, error) {
	table := make(map[string]deviceRecord)
	if _, err := readSealedJSON(s.ks, s.path(), &table); err != nil {
		return nil, err
	}
	return table, nil
}

// SaveDevice stores or updates the primary record for a device.
func (s *DeviceFileStore) SaveDevice(device domain.PeerDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return err
	}
	key := device.Ref().String()
	rec := table[key]
	rec.Primary = device
	table[key] = rec
	return writeSealedJSON(s.ks, s.path(), table)
}

// LoadDevice returns the primary record for ref.
func (s *DeviceFileStore) LoadDevice(ref domain.DeviceRef) (domain.PeerDevice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return domain.PeerDevice{}, false, err
	}
	rec, ok := table[ref.String()]
	if !ok {
		return domain.PeerDevice{}, false, nil
	}
	return rec.Primary, true, nil
}

// ListDevices returns primary records for user, or all of them when user is empty.
func (s *DeviceFileStore) ListDevices(user id.UserID) ([]domain.PeerDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PeerDevice, 0, len(table))
	for _, rec := range table {
		if user == "" || rec.Primary.UserID == user {
			out = append(out, rec.Primary)
		}
	}
	slices.SortFunc(out, func(a, b domain.PeerDevice) int {
		return types.CompareDeviceRefs(a.Ref(), b.Ref())
	})
	return out, nil
}

// AppendConflict records a conflicting announcement next to the primary
// record. Identical conflicts are stored once.
func (s *DeviceFileStore) AppendConflict(device domain.PeerDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return err
	}
	key := device.Ref().String()
	rec, ok := table[key]
	if !ok {
		return domain.ErrNotFound
	}
	for _, c := range rec.Conflicts {
		if c.IdentityKey == device.IdentityKey && c.SigningKey == device.SigningKey {
			return nil
		}
	}
	device.KeyConflict = true
	rec.Conflicts = append(rec.Conflicts, device)
	table[key] = rec
	return writeSealedJSON(s.ks, s.path(), table)
}

// ListConflicts returns the conflicting announcements recorded for ref.
func (s *DeviceFileStore) ListConflicts(ref domain.DeviceRef) ([]domain.PeerDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return nil, err
	}
	return slices.Clone(table[ref.String()].Conflicts), nil
}

// Compile-time assertion that DeviceFileStore implements domain.DeviceStore.
var _ domain.DeviceStore = (*DeviceFileStore)(nil)
