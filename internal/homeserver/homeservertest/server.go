// Package homeservertest provides an in-memory homeserver for tests.
//
// A Server holds users, rooms, keys and to-device queues. Each Client is one
// logged-in device and implements domain.Homeserver, so services can be
// exercised end to end without HTTP.
package homeservertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// ErrForbidden is returned for requests the account may not make.
var ErrForbidden = errors.New("homeservertest: forbidden")

type roomState struct {
	state    map[string]json.RawMessage
	members  map[id.UserID]event.Membership
	timeline []domain.RawEvent
	seqs     []int
}

type userRecord struct {
	password string
	devices  []id.DeviceID
}

// Server is an in-memory homeserver shared by every Client.
type Server struct {
	Name string
	// RequireUIA makes cross-signing uploads demand user-interactive auth.
	RequireUIA bool

	mu          sync.Mutex
	seq         int
	changed     chan struct{}
	users       map[id.UserID]*userRecord
	rooms       map[id.RoomID]*roomState
	deviceKeys  map[id.UserID]map[id.DeviceID]domain.DeviceKeys
	crossSign   map[id.UserID]domain.CrossSigningKeys
	accountData map[id.UserID]map[string]json.RawMessage
	toDevice    map[domain.DeviceRef][]domain.ToDeviceEvent
	listChanges map[domain.DeviceRef][]id.UserID
	uiaSessions map[string]id.UserID
	failures    map[string][]error
	now         func() time.Time
}

// NewServer returns an empty server for the given server name.
func NewServer(name string) *Server {
	return &Server{
		Name:        name,
		changed:     make(chan struct{}),
		users:       make(map[id.UserID]*userRecord),
		rooms:       make(map[id.RoomID]*roomState),
		deviceKeys:  make(map[id.UserID]map[id.DeviceID]domain.DeviceKeys),
		crossSign:   make(map[id.UserID]domain.CrossSigningKeys),
		accountData: make(map[id.UserID]map[string]json.RawMessage),
		toDevice:    make(map[domain.DeviceRef][]domain.ToDeviceEvent),
		listChanges: make(map[domain.DeviceRef][]id.UserID),
		uiaSessions: make(map[string]id.UserID),
		failures:    make(map[string][]error),
		now:         time.Now,
	}
}

// Register creates an account and returns its user id.
func (s *Server) Register(localpart, password string) id.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := id.NewUserID(localpart, s.Name)
	s.users[user] = &userRecord{password: password}
	return user
}

// Client returns a client logged in as device of user.
func (s *Server) Client(user id.UserID, device id.DeviceID) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addDeviceLocked(user, device)
	return &Client{srv: s, user: user, device: device, seen: make(map[id.RoomID]bool)}
}

// Anonymous returns a client without credentials, usable only to log in.
func (s *Server) Anonymous() *Client {
	return &Client{srv: s, seen: make(map[id.RoomID]bool)}
}

// Fail makes the next calls of op return err, once per queued error. Op is
// the Client method name, e.g. "SendEvent".
func (s *Server) Fail(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Timeline returns a copy of the events sent to roomID.
func (s *Server) Timeline(roomID id.RoomID) []domain.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(r.timeline)
}

// PendingToDevice reports how many to-device events wait for ref.
func (s *Server) PendingToDevice(ref domain.DeviceRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toDevice[ref])
}

// DropToDevice discards the queued to-device events of ref and returns them.
func (s *Server) DropToDevice(ref domain.DeviceRef) []domain.ToDeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.toDevice[ref]
	delete(s.toDevice, ref)
	return out
}

// DeliverToDevice queues events for ref, e.g. ones taken with DropToDevice.
func (s *Server) DeliverToDevice(ref domain.DeviceRef, events ...domain.ToDeviceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toDevice[ref] = append(s.toDevice[ref], events...)
	s.notifyLocked()
}

// PublishDeviceKeys overwrites the published keys of a device, as a
// malicious or buggy server could.
func (s *Server) PublishDeviceKeys(keys domain.DeviceKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addDeviceLocked(keys.UserID, keys.DeviceID)
	s.storeDeviceKeysLocked(keys)
}

func (s *Server) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Server) addDeviceLocked(user id.UserID, device id.DeviceID) {
	u, ok := s.users[user]
	if !ok {
		u = &userRecord{}
		s.users[user] = u
	}
	if !slices.Contains(u.devices, device) {
		u.devices = append(u.devices, device)
	}
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) nextSeqLocked() int {
	s.seq++
	return s.seq
}

func (s *Server) appendEventLocked(roomID id.RoomID, sender id.UserID, eventType string, stateKey *string, content json.RawMessage) id.EventID {
	r := s.rooms[roomID]
	seq := s.nextSeqLocked()
	eventID := id.EventID(fmt.Sprintf("$%d:%s", seq, s.Name))
	r.timeline = append(r.timeline, domain.RawEvent{
		EventID:        eventID,
		RoomID:         roomID,
		Sender:         sender,
		Type:           eventType,
		StateKey:       stateKey,
		OriginServerTS: s.now().UnixMilli(),
		Content:        content,
	})
	r.seqs = append(r.seqs, seq)
	if stateKey != nil {
		r.state[eventType+"|"+*stateKey] = content
	}
	s.notifyLocked()
	return eventID
}

func (s *Server) setMembershipLocked(roomID id.RoomID, user id.UserID, m event.Membership) {
	r := s.rooms[roomID]
	before := r.members[user]
	r.members[user] = m
	content, _ := json.Marshal(event.MemberEventContent{Membership: m})
	key := string(user)
	s.appendEventLocked(roomID, user, event.StateMember.Type, &key, content)
	if before == event.MembershipJoin || m == event.MembershipJoin {
		s.markListChangedLocked(user)
	}
}

func (s *Server) storeDeviceKeysLocked(keys domain.DeviceKeys) {
	if s.deviceKeys[keys.UserID] == nil {
		s.deviceKeys[keys.UserID] = make(map[id.DeviceID]domain.DeviceKeys)
	}
	s.deviceKeys[keys.UserID][keys.DeviceID] = keys
	s.markListChangedLocked(keys.UserID)
}

// markListChangedLocked tells every device sharing a room with user, and
// user's own devices, that user's device list changed.
func (s *Server) markListChangedLocked(user id.UserID) {
	interested := map[id.UserID]bool{user: true}
	for _, r := range s.rooms {
		if r.members[user] != event.MembershipJoin {
			continue
		}
		for member, m := range r.members {
			if m == event.MembershipJoin {
				interested[member] = true
			}
		}
	}
	for member := range interested {
		u, ok := s.users[member]
		if !ok {
			continue
		}
		for _, device := range u.devices {
			ref := domain.DeviceRef{UserID: member, DeviceID: device}
			if !slices.Contains(s.listChanges[ref], user) {
				s.listChanges[ref] = append(s.listChanges[ref], user)
			}
		}
	}
	s.notifyLocked()
}

func (s *Server) room(roomID id.RoomID) (*roomState, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return r, nil
}

func (s *Server) joinedRoom(roomID id.RoomID, user id.UserID) (*roomState, error) {
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	if r.members[user] != event.MembershipJoin {
		return nil, fmt.Errorf("%s not joined to %s: %w", user, roomID, ErrForbidden)
	}
	return r, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	if raw, ok := content.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("homeservertest: encode content: %w", err)
	}
	return b, nil
}

func parseSince(since string) int {
	if since == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(since, "s"))
	if err != nil {
		return 0
	}
	return n
}
