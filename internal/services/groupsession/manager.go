package groupsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/protocol/megolm"
	"cipherroom/internal/protocol/olm"
	"cipherroom/internal/util/keyedmutex"
)

// ToDeviceEncrypted is the to-device event type carrying sealed room keys.
const ToDeviceEncrypted = "m.room.encrypted"

// Rotation reasons.
const (
	ReasonRecipientRemoved  = "recipient removed"
	ReasonMembershipChanged = "membership changed"
	ReasonMessageLimit      = "message limit reached"
	ReasonAgeLimit          = "age limit reached"
	ReasonExhausted         = "message counter exhausted"
)

// RotationPolicy supplies the rotation thresholds of a room.
type RotationPolicy interface {
	Rotation(roomID id.RoomID) domain.RotationSettings
}

// Options are the optional collaborators of a Manager.
type Options struct {
	// CrossSigning blocks new rooms once bootstrapping failed.
	CrossSigning domain.CrossSigningStatus
	Now          func() time.Time
}

// Manager owns the outbound and inbound group sessions of one device.
type Manager struct {
	sessions domain.GroupSessionStore
	trust    domain.DeviceTrust
	keys     domain.KeysAPI
	rotation RotationPolicy
	status   domain.CrossSigningStatus
	now      func() time.Time
	log      zerolog.Logger

	rooms   keyedmutex.Mutex[id.RoomID]
	inbound keyedmutex.Mutex[string]

	mu                sync.Mutex
	membershipChanged map[id.RoomID]bool
}

// New returns a Manager.
func New(sessions domain.GroupSessionStore, trust domain.DeviceTrust, keys domain.KeysAPI, rotation RotationPolicy, log zerolog.Logger, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions:          sessions,
		trust:             trust,
		keys:              keys,
		rotation:          rotation,
		status:            opts.CrossSigning,
		now:               now,
		log:               log.With().Str("component", "groupsession").Logger(),
		membershipChanged: make(map[id.RoomID]bool),
	}
}

// MarkMembershipChanged forces the room's current session to rotate before
// the next encrypt.
func (m *Manager) MarkMembershipChanged(roomID id.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.membershipChanged[roomID] = true
}

func (m *Manager) membershipChangedFor(roomID id.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.membershipChanged[roomID]
}

func (m *Manager) clearMembershipChanged(roomID id.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.membershipChanged, roomID)
}

// rotationReason returns why sess must not encrypt for recipients, or "".
// Added recipients are not a reason: they receive the current key instead.
func (m *Manager) rotationReason(sess domain.OutboundGroupSession, recipients []domain.DeviceRef) string {
	for _, r := range sess.Recipients {
		if _, ok := slices.BinarySearchFunc(recipients, r, domain.CompareDeviceRefs); !ok {
			return ReasonRecipientRemoved
		}
	}
	if m.membershipChangedFor(sess.RoomID) {
		return ReasonMembershipChanged
	}
	settings := m.rotation.Rotation(sess.RoomID)
	if settings.MaxMessages > 0 && sess.MessageCount >= settings.MaxMessages {
		return ReasonMessageLimit
	}
	if settings.MaxAge > 0 && m.now().Sub(time.Unix(sess.CreatedUTC, 0)) >= settings.MaxAge {
		return ReasonAgeLimit
	}
	if sess.Ratchet.Index > megolm.MaxIndex {
		return ReasonExhausted
	}
	return ""
}

func (m *Manager) retireLocked(sess domain.OutboundGroupSession, reason string) error {
	sess.Rotated = true
	sess.RotationReason = reason
	if err := m.sessions.SaveOutbound(sess); err != nil {
		return fmt.Errorf("retire session: %w", err)
	}
	m.clearMembershipChanged(sess.RoomID)
	m.log.Info().
		Str("room_id", string(sess.RoomID)).
		Str("session_id", string(sess.SessionID)).
		Str("reason", reason).
		Uint32("messages", sess.MessageCount).
		Msg("rotated outbound session")
	return nil
}

// RotateIfNeeded retires the room's current session when recipients lost a
// device or a threshold was crossed.
func (m *Manager) RotateIfNeeded(roomID id.RoomID, recipients []domain.DeviceRef) (rotated bool, reason string, err error) {
	unlock := m.rooms.Lock(roomID)
	defer unlock()

	sess, ok, err := m.sessions.CurrentOutbound(roomID)
	if err != nil || !ok {
		return false, "", err
	}
	reason = m.rotationReason(sess, domain.SortDeviceRefs(recipients))
	if reason == "" {
		return false, "", nil
	}
	if err := m.retireLocked(sess, reason); err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// GetOrCreateOutboundSession returns the room's current session after
// sharing its key with every recipient that does not have it yet. A session
// that must rotate is retired and replaced first.
func (m *Manager) GetOrCreateOutboundSession(ctx context.Context, roomID id.RoomID, recipients []domain.PeerDevice) (domain.OutboundGroupSession, error) {
	ident, err := m.trust.GetOrCreateIdentity(ctx)
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	refs := make([]domain.DeviceRef, len(recipients))
	byRef := make(map[domain.DeviceRef]domain.PeerDevice, len(recipients))
	for i, d := range recipients {
		refs[i] = d.Ref()
		byRef[d.Ref()] = d
	}
	refs = domain.SortDeviceRefs(refs)

	sess, pending, err := m.prepare(roomID, ident, refs)
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	if len(pending) == 0 {
		return sess, nil
	}

	devices := make([]domain.PeerDevice, 0, len(pending))
	for _, ref := range pending {
		devices = append(devices, byRef[ref])
	}
	if err := m.share(ctx, ident, sess, devices); err != nil {
		return domain.OutboundGroupSession{}, err
	}
	return m.recordShared(roomID, sess.SessionID, pending, sess.Ratchet.Index)
}

// prepare selects or creates the session under the room lock and returns a
// snapshot of it plus the recipients still missing its key.
func (m *Manager) prepare(roomID id.RoomID, ident domain.Identity, refs []domain.DeviceRef) (domain.OutboundGroupSession, []domain.DeviceRef, error) {
	unlock := m.rooms.Lock(roomID)
	defer unlock()

	sess, ok, err := m.sessions.CurrentOutbound(roomID)
	if err != nil {
		return domain.OutboundGroupSession{}, nil, err
	}
	if ok {
		if reason := m.rotationReason(sess, refs); reason != "" {
			if err := m.retireLocked(sess, reason); err != nil {
				return domain.OutboundGroupSession{}, nil, err
			}
			ok = false
		}
	}
	if !ok {
		if sess, err = m.createLocked(roomID, ident, refs); err != nil {
			return domain.OutboundGroupSession{}, nil, err
		}
	} else {
		added := false
		for _, r := range refs {
			if !sess.HasRecipient(r) {
				sess.Recipients = append(sess.Recipients, r)
				added = true
			}
		}
		if added {
			sess.Recipients = domain.SortDeviceRefs(sess.Recipients)
			if err := m.sessions.SaveOutbound(sess); err != nil {
				return domain.OutboundGroupSession{}, nil, err
			}
		}
	}

	var pending []domain.DeviceRef
	for _, r := range refs {
		if !sess.SharedWithDevice(r) {
			pending = append(pending, r)
		}
	}
	return sess, pending, nil
}

func (m *Manager) createLocked(roomID id.RoomID, ident domain.Identity, refs []domain.DeviceRef) (domain.OutboundGroupSession, error) {
	if m.status != nil && m.status.CrossSigningFailed() {
		previous, err := m.sessions.ListOutbound(roomID)
		if err != nil {
			return domain.OutboundGroupSession{}, err
		}
		if len(previous) == 0 {
			return domain.OutboundGroupSession{}, fmt.Errorf("new session for %s: %w", roomID, domain.ErrCrossSigningUnavailable)
		}
	}

	ratchet, signing, err := megolm.NewSession()
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	now := m.now().UTC().Unix()
	sess := domain.OutboundGroupSession{
		RoomID:      roomID,
		SessionID:   megolm.SessionID(signing.Public()),
		Ratchet:     ratchet,
		SigningPriv: signing,
		CreatedUTC:  now,
		Recipients:  refs,
		SharedWith:  make(map[string]uint32),
	}
	// The own inbound copy is saved first so no message can be sent that
	// this device cannot read back.
	own := domain.InboundGroupSession{
		RoomID:          roomID,
		SessionID:       sess.SessionID,
		SenderUser:      ident.UserID,
		SenderDevice:    ident.DeviceID,
		SenderKey:       ident.IdentityPub,
		SigningKey:      signing.Public(),
		Ratchet:         ratchet,
		FirstKnownIndex: ratchet.Index,
		ReceivedUTC:     now,
	}
	if err := m.sessions.SaveInbound(own); err != nil {
		return domain.OutboundGroupSession{}, fmt.Errorf("save own inbound session: %w", err)
	}
	if err := m.sessions.SaveOutbound(sess); err != nil {
		return domain.OutboundGroupSession{}, fmt.Errorf("save outbound session: %w", err)
	}
	// The recipients are current as of now.
	m.clearMembershipChanged(roomID)
	m.log.Info().
		Str("room_id", string(roomID)).
		Str("session_id", string(sess.SessionID)).
		Int("recipients", len(refs)).
		Msg("created outbound session")
	return sess, nil
}

// share seals the session key at its snapshot index to each device and sends
// all of them in one to-device request.
func (m *Manager) share(ctx context.Context, ident domain.Identity, sess domain.OutboundGroupSession, devices []domain.PeerDevice) error {
	messages := make(domain.ToDeviceMessages)
	for _, d := range devices {
		content := domain.RoomKeyContent{
			Algorithm:       id.AlgorithmMegolmV1,
			RoomID:          sess.RoomID,
			SessionID:       sess.SessionID,
			ChainKey:        sess.Ratchet.ChainKey,
			MessageIndex:    sess.Ratchet.Index,
			SessionSigning:  sess.SigningPub(),
			SenderUser:      ident.UserID,
			SenderDevice:    ident.DeviceID,
			RecipientUser:   d.UserID,
			RecipientDevice: d.DeviceID,
		}
		sig, err := crypto.SignCanonical(ident.SigningPriv, content.Unsigned())
		if err != nil {
			return fmt.Errorf("sign room key: %w", err)
		}
		content.Signature = sig
		plaintext, err := json.Marshal(content)
		if err != nil {
			return err
		}
		sealed, err := olm.Seal(ident, d.IdentityKey, plaintext)
		if err != nil {
			return fmt.Errorf("seal room key for %s: %w", d.Ref(), err)
		}
		raw, err := json.Marshal(sealed)
		if err != nil {
			return err
		}
		messages.Add(d.Ref(), raw)
	}
	if err := m.keys.SendToDevice(ctx, ToDeviceEncrypted, messages); err != nil {
		return fmt.Errorf("share session %s: %w", sess.SessionID, err)
	}
	m.log.Debug().
		Str("room_id", string(sess.RoomID)).
		Str("session_id", string(sess.SessionID)).
		Uint32("message_index", sess.Ratchet.Index).
		Int("devices", messages.Len()).
		Msg("shared session key")
	return nil
}

func (m *Manager) recordShared(roomID id.RoomID, sessionID id.SessionID, refs []domain.DeviceRef, index uint32) (domain.OutboundGroupSession, error) {
	unlock := m.rooms.Lock(roomID)
	defer unlock()

	sess, ok, err := m.sessions.LoadOutbound(roomID, sessionID)
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	if !ok {
		return domain.OutboundGroupSession{}, fmt.Errorf("session %s vanished: %w", sessionID, domain.ErrUnknownSession)
	}
	if sess.SharedWith == nil {
		sess.SharedWith = make(map[string]uint32)
	}
	for _, r := range refs {
		if _, done := sess.SharedWith[r.String()]; !done {
			sess.SharedWith[r.String()] = index
		}
	}
	if err := m.sessions.SaveOutbound(sess); err != nil {
		return domain.OutboundGroupSession{}, err
	}
	return sess, nil
}

// Encrypt seals payload with the room's current session.
//
// It fails with domain.ErrSessionRotated when sessionID is no longer the
// room's current session, and with domain.ErrStaleRecipients when the session
// was not shared with exactly recipients. The advanced ratchet is persisted
// before the ciphertext is returned.
func (m *Manager) Encrypt(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, recipients []domain.DeviceRef, payload domain.GroupPayload) (domain.EncryptedContent, error) {
	ident, err := m.trust.GetOrCreateIdentity(ctx)
	if err != nil {
		return domain.EncryptedContent{}, err
	}
	payload.RoomID = roomID
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return domain.EncryptedContent{}, err
	}
	refs := domain.SortDeviceRefs(recipients)

	unlock := m.rooms.Lock(roomID)
	defer unlock()

	sess, ok, err := m.sessions.CurrentOutbound(roomID)
	if err != nil {
		return domain.EncryptedContent{}, err
	}
	if !ok || sess.SessionID != sessionID {
		return domain.EncryptedContent{}, fmt.Errorf("session %s in %s: %w", sessionID, roomID, domain.ErrSessionRotated)
	}
	if reason := m.rotationReason(sess, refs); reason != "" {
		if err := m.retireLocked(sess, reason); err != nil {
			return domain.EncryptedContent{}, err
		}
		return domain.EncryptedContent{}, fmt.Errorf("session %s in %s: %s: %w", sessionID, roomID, reason, domain.ErrSessionRotated)
	}
	for _, r := range refs {
		if !sess.SharedWithDevice(r) {
			return domain.EncryptedContent{}, fmt.Errorf("session %s not shared with %s: %w", sessionID, r, domain.ErrStaleRecipients)
		}
	}
	if len(refs) != len(sess.Recipients) {
		return domain.EncryptedContent{}, fmt.Errorf("session %s has %d recipients, room has %d: %w", sessionID, len(sess.Recipients), len(refs), domain.ErrStaleRecipients)
	}

	ciphertext, index, err := megolm.Encrypt(&sess.Ratchet, sess.SigningPriv, megolm.AD{RoomID: roomID, SessionID: sessionID}, plaintext)
	if errors.Is(err, megolm.ErrExhausted) {
		if err := m.retireLocked(sess, ReasonExhausted); err != nil {
			return domain.EncryptedContent{}, err
		}
		return domain.EncryptedContent{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionRotated)
	}
	if err != nil {
		return domain.EncryptedContent{}, fmt.Errorf("encrypt: %w", err)
	}
	sess.MessageCount++
	if err := m.sessions.SaveOutbound(sess); err != nil {
		return domain.EncryptedContent{}, fmt.Errorf("persist ratchet: %w", err)
	}
	m.log.Debug().
		Str("room_id", string(roomID)).
		Str("session_id", string(sessionID)).
		Uint32("message_index", index).
		Msg("encrypted message")

	return domain.EncryptedContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  ident.IdentityPub,
		DeviceID:   ident.DeviceID,
		SessionID:  sessionID,
		Ciphertext: ciphertext,
	}, nil
}

// Outbound returns the room's sessions, current and rotated.
func (m *Manager) Outbound(roomID id.RoomID) ([]domain.OutboundGroupSession, error) {
	return m.sessions.ListOutbound(roomID)
}
