package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const (
	eventEncrypted = "m.room.encrypted"
	eventMessage   = "m.room.message"
)

// Identity is the device identity store as seen by the facade.
type Identity interface {
	ResolveRecipients(ctx context.Context, users []id.UserID) ([]domain.PeerDevice, []domain.DeviceRef, error)
	MarkDeviceListsChanged(users []id.UserID)
}

// GroupSessions is the group session manager as seen by the facade.
type GroupSessions interface {
	GetOrCreateOutboundSession(ctx context.Context, roomID id.RoomID, recipients []domain.PeerDevice) (domain.OutboundGroupSession, error)
	Encrypt(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, recipients []domain.DeviceRef, payload domain.GroupPayload) (domain.EncryptedContent, error)
	IngestInboundSessionKey(ctx context.Context, sender id.UserID, ev domain.ToDeviceEvent) (domain.InboundGroupSession, error)
	MarkMembershipChanged(roomID id.RoomID)
}

// Gate is the encryption gate as seen by the facade.
type Gate interface {
	EnsureRoomEncrypted(ctx context.Context, roomID id.RoomID) (domain.RoomEncryptionPolicy, error)
	ObserveEncryptionState(roomID id.RoomID, raw json.RawMessage, ts int64) (domain.RoomEncryptionPolicy, bool, error)
	DecidePerMessagePolicy(roomID id.RoomID) domain.MessagePolicy
	IsEncrypted(roomID id.RoomID) bool
}

// Pipeline is the decryption pipeline as seen by the facade.
type Pipeline interface {
	Submit(ctx context.Context, ev domain.RawEvent) error
	KeyArrived(roomID id.RoomID, sessionID id.SessionID)
	CancelRoom(roomID id.RoomID)
}

// Router filters the live stream and receives outcomes that bypass the
// pipeline.
type Router interface {
	Filter(ev domain.RawEvent) bool
	Deliver(ctx context.Context, o domain.Outcome) error
}

// Homeserver is the part of the homeserver the facade calls directly.
type Homeserver interface {
	domain.RoomAPI
	domain.SyncAPI
}

// Config tunes sending and the sync loop.
type Config struct {
	// SendAttempts bounds how often a send is retried after the room's
	// session was rotated under it.
	SendAttempts int
	// SyncTimeout is the long-poll timeout of one sync request.
	SyncTimeout time.Duration
	// SyncRetryBase is the first backoff delay after a failed sync.
	SyncRetryBase time.Duration
	// SyncRetryMax caps the sync backoff.
	SyncRetryMax time.Duration
}

func (c *Config) setDefaults() {
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.SyncRetryBase <= 0 {
		c.SyncRetryBase = 250 * time.Millisecond
	}
	if c.SyncRetryMax <= 0 {
		c.SyncRetryMax = 30 * time.Second
	}
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	API      Homeserver
	Identity Identity
	Sessions GroupSessions
	Gate     Gate
	Pipeline Pipeline
	Router   Router
	Rooms    domain.RoomStore
	Sync     domain.SyncStore
}

// Service is the messaging facade.
type Service struct {
	Deps
	cfg Config
	log zerolog.Logger
}

// New returns a messaging facade over deps.
func New(deps Deps, cfg Config, log zerolog.Logger) *Service {
	cfg.setDefaults()
	return &Service{
		Deps: deps,
		cfg:  cfg,
		log:  log.With().Str("component", "message").Logger(),
	}
}

// EncryptAndSend encrypts body as an m.text message for every eligible
// device in roomID and sends it. It fails with *domain.PolicyError when the
// room's policy forbids sending to the current recipient set.
func (s *Service) EncryptAndSend(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	content, err := json.Marshal(event.MessageEventContent{MsgType: event.MsgText, Body: body})
	if err != nil {
		return "", err
	}
	return s.SendEncrypted(ctx, roomID, eventMessage, content)
}

// SendEncrypted encrypts an arbitrary event content for roomID and sends it.
func (s *Service) SendEncrypted(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (id.EventID, error) {
	if _, err := s.Gate.EnsureRoomEncrypted(ctx, roomID); err != nil {
		return "", fmt.Errorf("ensure room encrypted: %w", err)
	}
	members, err := s.API.JoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("joined members: %w", err)
	}
	if err := s.Rooms.SaveMembers(domain.RoomMembers{RoomID: roomID, Joined: members}); err != nil {
		return "", err
	}

	payload := domain.GroupPayload{Type: eventType, RoomID: roomID, Content: content}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendAttempts; attempt++ {
		devices, err := s.recipients(ctx, roomID, members)
		if err != nil {
			return "", err
		}
		sess, err := s.Sessions.GetOrCreateOutboundSession(ctx, roomID, devices)
		if err != nil {
			return "", fmt.Errorf("outbound session: %w", err)
		}
		refs := make([]domain.DeviceRef, len(devices))
		for i, d := range devices {
			refs[i] = d.Ref()
		}
		enc, err := s.Sessions.Encrypt(ctx, roomID, sess.SessionID, refs, payload)
		if errors.Is(err, domain.ErrSessionRotated) || errors.Is(err, domain.ErrStaleRecipients) {
			s.log.Debug().Err(err).Str("room_id", string(roomID)).Int("attempt", attempt).Msg("session changed during send, retrying")
			lastErr = err
			continue
		}
		if err != nil {
			return "", fmt.Errorf("encrypt: %w", err)
		}

		eventID, err := s.API.SendEvent(ctx, roomID, eventEncrypted, enc)
		if err != nil {
			return "", fmt.Errorf("send event: %w", err)
		}
		s.log.Info().
			Str("room_id", string(roomID)).
			Str("session_id", string(sess.SessionID)).
			Str("event_id", string(eventID)).
			Int("recipients", len(refs)).
			Msg("sent encrypted event")
		return eventID, nil
	}
	return "", fmt.Errorf("send to %s after %d attempts: %w", roomID, s.cfg.SendAttempts, lastErr)
}

// recipients resolves the devices of members and applies the room's
// message policy to them.
func (s *Service) recipients(ctx context.Context, roomID id.RoomID, members []id.UserID) ([]domain.PeerDevice, error) {
	devices, newlySeen, err := s.Identity.ResolveRecipients(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	policy := s.Gate.DecidePerMessagePolicy(roomID)
	if policy.ErrorOnUnknownDevices && len(newlySeen) > 0 {
		return nil, &domain.PolicyError{RoomID: string(roomID), Reason: "unknown devices", Devices: newlySeen}
	}
	if policy.BlockOnUnverified {
		var unverified []domain.DeviceRef
		for _, d := range devices {
			if d.Status != domain.Verified {
				unverified = append(unverified, d.Ref())
			}
		}
		if len(unverified) > 0 {
			return nil, &domain.PolicyError{RoomID: string(roomID), Reason: "unverified devices", Devices: unverified}
		}
	}
	return devices, nil
}

// HandleSync processes one sync batch: device list changes, room key
// shares, room state, timeline events and left rooms, then records the
// batch token.
func (s *Service) HandleSync(ctx context.Context, resp domain.SyncResponse) error {
	if len(resp.DeviceListsChanged) > 0 {
		s.Identity.MarkDeviceListsChanged(resp.DeviceListsChanged)
	}
	for _, ev := range resp.ToDevice {
		s.handleToDevice(ctx, ev)
	}

	roomIDs := make([]id.RoomID, 0, len(resp.Joined))
	for roomID := range resp.Joined {
		roomIDs = append(roomIDs, roomID)
	}
	slices.Sort(roomIDs)
	for _, roomID := range roomIDs {
		tl := resp.Joined[roomID]
		for _, ev := range tl.State {
			if !ev.IsState() {
				s.log.Warn().Str("room_id", string(roomID)).Str("event_id", string(ev.EventID)).Msg("dropping state event without state key")
				continue
			}
			s.handleState(ev)
		}
		for _, ev := range tl.Events {
			if ev.IsState() {
				s.handleState(ev)
				continue
			}
			if err := s.handleTimeline(ctx, ev); err != nil {
				return err
			}
		}
	}

	for _, roomID := range resp.Left {
		s.log.Info().Str("room_id", string(roomID)).Msg("left room")
		s.Pipeline.CancelRoom(roomID)
		s.Sessions.MarkMembershipChanged(roomID)
	}

	if resp.NextBatch != "" {
		if err := s.Sync.SaveSyncToken(resp.NextBatch); err != nil {
			return fmt.Errorf("save sync token: %w", err)
		}
	}
	return nil
}

func (s *Service) handleToDevice(ctx context.Context, ev domain.ToDeviceEvent) {
	log := s.log.With().Str("user_id", string(ev.Sender)).Str("type", ev.Type).Logger()
	if ev.Type != eventEncrypted {
		log.Debug().Msg("ignoring to-device event")
		return
	}
	sess, err := s.Sessions.IngestInboundSessionKey(ctx, ev.Sender, ev)
	if err != nil {
		log.Warn().Err(err).Msg("rejected room key")
		return
	}
	s.Pipeline.KeyArrived(sess.RoomID, sess.SessionID)
}

func (s *Service) handleState(ev domain.RawEvent) {
	log := s.log.With().Str("room_id", string(ev.RoomID)).Str("event_id", string(ev.EventID)).Logger()
	switch ev.Type {
	case event.StateEncryption.Type:
		policy, changed, err := s.Gate.ObserveEncryptionState(ev.RoomID, ev.Content, ev.OriginServerTS)
		if err != nil {
			log.Warn().Err(err).Msg("invalid encryption state")
			return
		}
		if changed {
			log.Info().Str("algorithm", string(policy.Algorithm)).Msg("room encryption observed")
		}
	case event.StateMember.Type:
		if err := s.observeMember(ev); err != nil {
			log.Warn().Err(err).Msg("cannot track membership")
		}
	}
}

func (s *Service) observeMember(ev domain.RawEvent) error {
	var content event.MemberEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("member content: %w", domain.ErrMalformed)
	}
	if ev.StateKey == nil || *ev.StateKey == "" {
		return fmt.Errorf("member event without state key: %w", domain.ErrMalformed)
	}
	user := id.UserID(*ev.StateKey)
	members, _, err := s.Rooms.LoadMembers(ev.RoomID)
	if err != nil {
		return err
	}
	members.RoomID = ev.RoomID
	joined := slices.Contains(members.Joined, user)

	switch content.Membership {
	case event.MembershipJoin:
		if joined {
			return nil
		}
		members.Joined = append(members.Joined, user)
		slices.Sort(members.Joined)
		s.Identity.MarkDeviceListsChanged([]id.UserID{user})
	case event.MembershipLeave, event.MembershipBan:
		if !joined {
			return nil
		}
		members.Joined = slices.DeleteFunc(members.Joined, func(u id.UserID) bool { return u == user })
		members.Changed = true
		s.Sessions.MarkMembershipChanged(ev.RoomID)
		s.log.Debug().Str("room_id", string(ev.RoomID)).Str("user_id", string(user)).Msg("member left, session will rotate")
	default:
		return nil
	}
	return s.Rooms.SaveMembers(members)
}

func (s *Service) handleTimeline(ctx context.Context, ev domain.RawEvent) error {
	if !s.Router.Filter(ev) {
		return nil
	}
	if ev.Type == eventEncrypted {
		err := s.Pipeline.Submit(ctx, ev)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Warn().Err(err).Str("event_id", string(ev.EventID)).Msg("event not queued for decryption")
		}
		return nil
	}

	out := domain.Outcome{
		Kind:      domain.OutcomePlaintext,
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Timestamp: ev.OriginServerTS,
		Type:      ev.Type,
	}
	var msg event.MessageEventContent
	if err := json.Unmarshal(ev.Content, &msg); err == nil {
		out.MsgType = string(msg.MsgType)
		out.Body = msg.Body
	}
	if s.Gate.IsEncrypted(ev.RoomID) {
		s.log.Warn().Str("room_id", string(ev.RoomID)).Str("event_id", string(ev.EventID)).Msg("unencrypted message in encrypted room")
	}
	return s.Router.Deliver(ctx, out)
}

// Run syncs until ctx is done, resuming from the stored token. Transient
// failures are retried with capped backoff; authentication failures end
// the loop.
func (s *Service) Run(ctx context.Context) error {
	since, err := s.Sync.LoadSyncToken()
	if err != nil {
		return fmt.Errorf("load sync token: %w", err)
	}
	newBackoff := func() retry.Backoff {
		return retry.WithCappedDuration(s.cfg.SyncRetryMax, retry.NewExponential(s.cfg.SyncRetryBase))
	}
	backoff := newBackoff()
	s.log.Info().Str("since", since).Msg("starting sync loop")

	for {
		resp, err := s.API.Sync(ctx, since, s.cfg.SyncTimeout)
		if err == nil {
			err = s.HandleSync(ctx, resp)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, domain.ErrAuthFailure) {
				return err
			}
			delay, _ := backoff.Next()
			s.log.Warn().Err(err).Dur("delay", delay).Msg("sync failed, retrying")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		backoff = newBackoff()
		since = resp.NextBatch
	}
}

// LeaveRoom leaves roomID and abandons its pending decryptions.
func (s *Service) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if err := s.API.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	s.Pipeline.CancelRoom(roomID)
	s.Sessions.MarkMembershipChanged(roomID)
	return nil
}

// CreateRoom creates an encrypted room inviting invitees.
func (s *Service) CreateRoom(ctx context.Context, name string, invitees []id.UserID) (id.RoomID, error) {
	roomID, err := s.API.CreateRoom(ctx, domain.CreateRoomRequest{
		Name:      name,
		Invite:    invitees,
		Preset:    "private_chat",
		Encrypted: true,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if _, err := s.Gate.EnsureRoomEncrypted(ctx, roomID); err != nil {
		return roomID, fmt.Errorf("ensure room encrypted: %w", err)
	}
	return roomID, nil
}

// Invite invites user to roomID.
func (s *Service) Invite(ctx context.Context, roomID id.RoomID, user id.UserID) error {
	if err := s.API.InviteUser(ctx, roomID, user); err != nil {
		return fmt.Errorf("invite: %w", err)
	}
	s.Identity.MarkDeviceListsChanged([]id.UserID{user})
	return nil
}

// JoinRoom joins a room by id or alias.
func (s *Service) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	roomID, err := s.API.JoinRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", fmt.Errorf("join room: %w", err)
	}
	return roomID, nil
}
