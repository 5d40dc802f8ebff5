package homeservertest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// Client is one logged-in device on a Server.
type Client struct {
	srv    *Server
	user   id.UserID
	device id.DeviceID
	seen   map[id.RoomID]bool
}

// Ref returns the device the client acts as.
func (c *Client) Ref() domain.DeviceRef {
	return domain.DeviceRef{UserID: c.user, DeviceID: c.device}
}

// Login checks a password and returns credentials for a new or named device.
func (c *Client) Login(_ context.Context, req domain.LoginRequest) (domain.Credentials, error) {
	if err := c.srv.takeFailure("Login"); err != nil {
		return domain.Credentials{}, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	user := id.UserID(req.Username)
	if _, _, err := user.Parse(); err != nil {
		user = id.NewUserID(req.Username, s.Name)
	}
	u, ok := s.users[user]
	if !ok || u.password == "" || u.password != req.Password {
		return domain.Credentials{}, fmt.Errorf("login %s: %w", user, domain.ErrAuthFailure)
	}
	device := req.DeviceID
	if device == "" {
		device = id.DeviceID("DEV" + strconv.Itoa(s.nextSeqLocked()))
	}
	s.addDeviceLocked(user, device)
	return domain.Credentials{AccessToken: "token-" + string(device), UserID: user, DeviceID: device}, nil
}

// GetRoomState returns a state event's content.
func (c *Client) GetRoomState(_ context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	if err := c.srv.takeFailure("GetRoomState"); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinedRoom(roomID, c.user)
	if err != nil {
		return nil, err
	}
	content, ok := r.state[eventType+"|"+stateKey]
	if !ok {
		return nil, fmt.Errorf("state %s in %s: %w", eventType, roomID, domain.ErrNotFound)
	}
	return content, nil
}

// SetRoomState writes a state event.
func (c *Client) SetRoomState(_ context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	if err := c.srv.takeFailure("SetRoomState"); err != nil {
		return "", err
	}
	raw, err := marshalContent(content)
	if err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.joinedRoom(roomID, c.user); err != nil {
		return "", err
	}
	return s.appendEventLocked(roomID, c.user, eventType, &stateKey, raw), nil
}

// SendEvent appends a timeline event.
func (c *Client) SendEvent(_ context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	if err := c.srv.takeFailure("SendEvent"); err != nil {
		return "", err
	}
	raw, err := marshalContent(content)
	if err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.joinedRoom(roomID, c.user); err != nil {
		return "", err
	}
	return s.appendEventLocked(roomID, c.user, eventType, nil, raw), nil
}

// InviteUser invites userID.
func (c *Client) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinedRoom(roomID, c.user)
	if err != nil {
		return err
	}
	if r.members[userID] == event.MembershipJoin {
		return nil
	}
	s.setMembershipLocked(roomID, userID, event.MembershipInvite)
	return nil
}

// JoinRoom joins an existing room the user was invited to.
func (c *Client) JoinRoom(_ context.Context, roomIDOrAlias string) (id.RoomID, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := id.RoomID(roomIDOrAlias)
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	switch r.members[c.user] {
	case event.MembershipJoin:
		return roomID, nil
	case event.MembershipInvite:
	default:
		return "", fmt.Errorf("%s not invited to %s: %w", c.user, roomID, ErrForbidden)
	}
	s.setMembershipLocked(roomID, c.user, event.MembershipJoin)
	return roomID, nil
}

// LeaveRoom leaves roomID.
func (c *Client) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.joinedRoom(roomID, c.user); err != nil {
		return err
	}
	s.setMembershipLocked(roomID, c.user, event.MembershipLeave)
	return nil
}

// CreateRoom creates a room joined by the caller.
func (c *Client) CreateRoom(_ context.Context, req domain.CreateRoomRequest) (id.RoomID, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := id.RoomID(fmt.Sprintf("!r%d:%s", s.nextSeqLocked(), s.Name))
	s.rooms[roomID] = &roomState{
		state:   make(map[string]json.RawMessage),
		members: make(map[id.UserID]event.Membership),
	}
	empty := ""
	create, _ := json.Marshal(map[string]id.UserID{"creator": c.user})
	s.appendEventLocked(roomID, c.user, event.StateCreate.Type, &empty, create)
	s.setMembershipLocked(roomID, c.user, event.MembershipJoin)
	if req.Name != "" {
		name, _ := json.Marshal(map[string]string{"name": req.Name})
		s.appendEventLocked(roomID, c.user, event.StateRoomName.Type, &empty, name)
	}
	if req.Encrypted {
		enc, _ := json.Marshal(event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1})
		s.appendEventLocked(roomID, c.user, event.StateEncryption.Type, &empty, enc)
	}
	for _, u := range req.Invite {
		s.setMembershipLocked(roomID, u, event.MembershipInvite)
	}
	return roomID, nil
}

// JoinedRooms lists the caller's joined rooms.
func (c *Client) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []id.RoomID
	for roomID, r := range s.rooms {
		if r.members[c.user] == event.MembershipJoin {
			out = append(out, roomID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// JoinedMembers lists the joined members of roomID.
func (c *Client) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if err := c.srv.takeFailure("JoinedMembers"); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinedRoom(roomID, c.user)
	if err != nil {
		return nil, err
	}
	var out []id.UserID
	for u, m := range r.members {
		if m == event.MembershipJoin {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Sync returns everything new since the given token, waiting up to timeout
// when there is nothing to return.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (domain.SyncResponse, error) {
	if err := c.srv.takeFailure("Sync"); err != nil {
		return domain.SyncResponse{}, err
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		resp, wait, empty := c.collect(since)
		if !empty || timer == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return domain.SyncResponse{}, ctx.Err()
		case <-timer:
			return resp, nil
		case <-wait:
		}
	}
}

func (c *Client) collect(since string) (domain.SyncResponse, <-chan struct{}, bool) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	sinceSeq := parseSince(since)
	resp := domain.SyncResponse{NextBatch: "s" + strconv.Itoa(s.seq)}
	empty := true

	for roomID, r := range s.rooms {
		if r.members[c.user] != event.MembershipJoin {
			continue
		}
		var tl domain.RoomTimeline
		if !c.seen[roomID] {
			latest := make(map[string]int)
			for i, ev := range r.timeline {
				if r.seqs[i] <= sinceSeq && ev.StateKey != nil {
					latest[ev.Type+"|"+*ev.StateKey] = i
				}
			}
			indices := make([]int, 0, len(latest))
			for _, i := range latest {
				indices = append(indices, i)
			}
			slices.Sort(indices)
			for _, i := range indices {
				tl.State = append(tl.State, r.timeline[i])
			}
		}
		for i, ev := range r.timeline {
			if r.seqs[i] > sinceSeq {
				tl.Events = append(tl.Events, ev)
			}
		}
		if len(tl.State) > 0 || len(tl.Events) > 0 {
			if resp.Joined == nil {
				resp.Joined = make(map[id.RoomID]domain.RoomTimeline)
			}
			resp.Joined[roomID] = tl
			empty = false
		}
		c.seen[roomID] = true
	}
	for roomID := range c.seen {
		if s.rooms[roomID].members[c.user] != event.MembershipJoin {
			resp.Left = append(resp.Left, roomID)
			delete(c.seen, roomID)
			empty = false
		}
	}
	slices.Sort(resp.Left)

	ref := c.Ref()
	if queued := s.toDevice[ref]; len(queued) > 0 {
		resp.ToDevice = queued
		delete(s.toDevice, ref)
		empty = false
	}
	if changed := s.listChanges[ref]; len(changed) > 0 {
		resp.DeviceListsChanged = changed
		delete(s.listChanges, ref)
		empty = false
	}
	return resp, s.changed, empty
}

// UploadDeviceKeys publishes the caller's device keys.
func (c *Client) UploadDeviceKeys(_ context.Context, keys domain.DeviceKeys) error {
	if err := c.srv.takeFailure("UploadDeviceKeys"); err != nil {
		return err
	}
	if keys.UserID != c.user || keys.DeviceID != c.device {
		return fmt.Errorf("upload keys for %s: %w", keys.Ref(), ErrForbidden)
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeDeviceKeysLocked(keys)
	return nil
}

// QueryKeys returns published keys of users.
func (c *Client) QueryKeys(_ context.Context, users []id.UserID) (domain.QueryKeysResponse, error) {
	if err := c.srv.takeFailure("QueryKeys"); err != nil {
		return domain.QueryKeysResponse{}, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := domain.QueryKeysResponse{
		DeviceKeys:      make(map[id.UserID]map[id.DeviceID]domain.DeviceKeys),
		MasterKeys:      make(map[id.UserID]domain.CrossSigningKey),
		SelfSigningKeys: make(map[id.UserID]domain.CrossSigningKey),
	}
	for _, u := range users {
		devices := make(map[id.DeviceID]domain.DeviceKeys)
		for deviceID, k := range s.deviceKeys[u] {
			k.Signatures = slices.Clone(k.Signatures)
			devices[deviceID] = k
		}
		resp.DeviceKeys[u] = devices
		if cs, ok := s.crossSign[u]; ok {
			resp.MasterKeys[u] = cs.Master
			resp.SelfSigningKeys[u] = cs.SelfSigning
		}
	}
	return resp, nil
}

// SendToDevice queues messages for their recipient devices.
func (c *Client) SendToDevice(_ context.Context, eventType string, messages domain.ToDeviceMessages) error {
	if err := c.srv.takeFailure("SendToDevice"); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, byDevice := range messages {
		for device, content := range byDevice {
			ref := domain.DeviceRef{UserID: user, DeviceID: device}
			s.toDevice[ref] = append(s.toDevice[ref], domain.ToDeviceEvent{
				Sender:  c.user,
				Type:    eventType,
				Content: content,
			})
		}
	}
	s.notifyLocked()
	return nil
}

// UploadCrossSigningKeys stores the caller's cross-signing keys, demanding
// password auth when the server requires it.
func (c *Client) UploadCrossSigningKeys(_ context.Context, keys domain.CrossSigningKeys, auth *domain.AuthData) error {
	if err := c.srv.takeFailure("UploadCrossSigningKeys"); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RequireUIA {
		ok := auth != nil && s.uiaSessions[auth.Session] == c.user &&
			auth.Type == "m.login.password" && s.users[c.user].password == auth.Password
		if !ok {
			session := "uia" + strconv.Itoa(s.nextSeqLocked())
			s.uiaSessions[session] = c.user
			return &domain.UIAError{Session: session, Flows: []string{"m.login.password"}}
		}
		delete(s.uiaSessions, auth.Session)
	}
	s.crossSign[c.user] = keys
	s.markListChangedLocked(c.user)
	return nil
}

// UploadSignatures merges signatures into published device keys.
func (c *Client) UploadSignatures(_ context.Context, signed []domain.DeviceKeys) error {
	if err := c.srv.takeFailure("UploadSignatures"); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range signed {
		stored, ok := s.deviceKeys[k.UserID][k.DeviceID]
		if !ok {
			return fmt.Errorf("signatures for %s: %w", k.Ref(), domain.ErrNotFound)
		}
		for _, sig := range k.Signatures {
			if !slices.ContainsFunc(stored.Signatures, func(have domain.Signature) bool {
				return have.SignerUser == sig.SignerUser && have.SignerKey == sig.SignerKey
			}) {
				stored.Signatures = append(stored.Signatures, sig)
			}
		}
		s.storeDeviceKeysLocked(stored)
	}
	return nil
}

// SetAccountData stores account data for the caller.
func (c *Client) SetAccountData(_ context.Context, eventType string, content any) error {
	if err := c.srv.takeFailure("SetAccountData"); err != nil {
		return err
	}
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountData[c.user] == nil {
		s.accountData[c.user] = make(map[string]json.RawMessage)
	}
	s.accountData[c.user][eventType] = raw
	return nil
}

// GetAccountData returns the caller's account data.
func (c *Client) GetAccountData(_ context.Context, eventType string) (json.RawMessage, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.accountData[c.user][eventType]
	if !ok {
		return nil, fmt.Errorf("account data %s: %w", eventType, domain.ErrNotFound)
	}
	return raw, nil
}

// Compile-time assertion that Client implements domain.Homeserver.
var _ domain.Homeserver = (*Client)(nil)
