package store

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
)

const sessionsFilename = "sessions.enc"

// sessionTable is the persisted session state, encoded as deterministic CBOR.
type sessionTable struct {
	Outbound map[string]domain.OutboundGroupSession `cbor:"1,keyasint,omitempty"`
	Inbound  map[string]domain.InboundGroupSession  `cbor:"2,keyasint,omitempty"`
}

func sessionKey(roomID id.RoomID, sessionID id.SessionID) string {
	return string(roomID) + "|" + string(sessionID)
}

// GroupSessionFileStore persists outbound and inbound group sessions.
type GroupSessionFileStore struct {
	dir string
	ks  *Keystore
	mu  sync.Mutex
}

// NewGroupSessionFileStore returns a GroupSessionFileStore rooted at dir.
func NewGroupSessionFileStore(dir string, ks *Keystore) *GroupSessionFileStore {
	return &GroupSessionFileStore{dir: dir, ks: ks}
}

func (s *GroupSessionFileStore) path() string { return filepath.Join(s.dir, sessionsFilename) }

func (s *GroupSessionFileStore) load() (sessionTable, error) {
	var table sessionTable
	raw, ok, err := readSealed(s.ks, s.path())
	if err != nil {
		return table, err
	}
	if ok {
		if err := crypto.DecodeCanonical(raw, &table); err != nil {
			return table, err
		}
	}
	if table.Outbound == nil {
		table.Outbound = make(map[string]domain.OutboundGroupSession)
	}
	if table.Inbound == nil {
		table.Inbound = make(map[string]domain.InboundGroupSession)
	}
	return table, nil
}

func (s *GroupSessionFileStore) save(table sessionTable) error {
	raw, err := crypto.Canonical(table)
	if err != nil {
		return err
	}
	return writeSealed(s.ks, s.path(), raw)
}

// SaveOutbound stores or replaces an outbound session.
func (s *GroupSessionFileStore) SaveOutbound(session domain.OutboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return err
	}
	table.Outbound[sessionKey(session.RoomID, session.SessionID)] = session
	return s.save(table)
}

// LoadOutbound returns one outbound session.
func (s *GroupSessionFileStore) LoadOutbound(roomID id.RoomID, sessionID id.SessionID) (domain.OutboundGroupSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return domain.OutboundGroupSession{}, false, err
	}
	sess, ok := table.Outbound[sessionKey(roomID, sessionID)]
	return sess, ok, nil
}

// CurrentOutbound returns the newest outbound session of the room that has
// not been rotated.
func (s *GroupSessionFileStore) CurrentOutbound(roomID id.RoomID) (domain.OutboundGroupSession, bool, error) {
	sessions, err := s.ListOutbound(roomID)
	if err != nil {
		return domain.OutboundGroupSession{}, false, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if !sessions[i].Rotated {
			return sessions[i], true, nil
		}
	}
	return domain.OutboundGroupSession{}, false, nil
}

// ListOutbound returns the room's outbound sessions, oldest first.
func (s *GroupSessionFileStore) ListOutbound(roomID id.RoomID) ([]domain.OutboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return nil, err
	}
	prefix := string(roomID) + "|"
	var out []domain.OutboundGroupSession
	for key, sess := range table.Outbound {
		if strings.HasPrefix(key, prefix) {
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b domain.OutboundGroupSession) int {
		if a.CreatedUTC != b.CreatedUTC {
			if a.CreatedUTC < b.CreatedUTC {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.SessionID), string(b.SessionID))
	})
	return out, nil
}

// SaveInbound stores or replaces an inbound session.
func (s *GroupSessionFileStore) SaveInbound(session domain.InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return err
	}
	table.Inbound[sessionKey(session.RoomID, session.SessionID)] = session
	return s.save(table)
}

// LoadInbound returns one inbound session.
func (s *GroupSessionFileStore) LoadInbound(roomID id.RoomID, sessionID id.SessionID) (domain.InboundGroupSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return domain.InboundGroupSession{}, false, err
	}
	sess, ok := table.Inbound[sessionKey(roomID, sessionID)]
	return sess, ok, nil
}

// ListInbound returns every inbound session ordered by room and session.
func (s *GroupSessionFileStore) ListInbound() ([]domain.InboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(table.Inbound))
	for k := range table.Inbound {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]domain.InboundGroupSession, 0, len(keys))
	for _, k := range keys {
		out = append(out, table.Inbound[k])
	}
	return out, nil
}

// Compile-time assertion that GroupSessionFileStore implements domain.GroupSessionStore.
var _ domain.GroupSessionStore = (*GroupSessionFileStore)(nil)
