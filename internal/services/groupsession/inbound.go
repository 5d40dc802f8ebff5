package groupsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
	"cipherroom/internal/protocol/megolm"
	"cipherroom/internal/protocol/olm"
)

func inboundKey(roomID id.RoomID, sessionID id.SessionID) string {
	return string(roomID) + "|" + string(sessionID)
}

// IngestInboundSessionKey accepts a room key shared by sender's device.
//
// The payload must be sealed to this device, and signed by the device the
// homeserver publishes under the sealing identity key. A bad signature flags
// that device. A session that is already known is kept as is and never
// rewound.
func (m *Manager) IngestInboundSessionKey(ctx context.Context, sender id.UserID, ev domain.ToDeviceEvent) (domain.InboundGroupSession, error) {
	if ev.Type != ToDeviceEncrypted {
		return domain.InboundGroupSession{}, fmt.Errorf("to-device type %q: %w", ev.Type, domain.ErrMalformed)
	}
	var sealed domain.SealedToDevice
	if err := json.Unmarshal(ev.Content, &sealed); err != nil {
		return domain.InboundGroupSession{}, fmt.Errorf("sealed room key: %w", domain.ErrMalformed)
	}
	if sealed.Algorithm != id.AlgorithmOlmV1 {
		return domain.InboundGroupSession{}, fmt.Errorf("sealed algorithm %q: %w", sealed.Algorithm, domain.ErrMalformed)
	}

	ident, err := m.trust.GetOrCreateIdentity(ctx)
	if err != nil {
		return domain.InboundGroupSession{}, err
	}
	plaintext, err := olm.Open(ident, sealed)
	if err != nil {
		return domain.InboundGroupSession{}, fmt.Errorf("open room key from %s: %w: %w", sender, domain.ErrMalformed, err)
	}
	var content domain.RoomKeyContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return domain.InboundGroupSession{}, fmt.Errorf("room key content: %w", domain.ErrMalformed)
	}

	senderRef := domain.DeviceRef{UserID: sender, DeviceID: sealed.SenderDevice}
	log := m.log.With().
		Str("user_id", string(sender)).
		Str("device_id", string(sealed.SenderDevice)).
		Str("room_id", string(content.RoomID)).
		Str("session_id", string(content.SessionID)).
		Logger()

	switch {
	case content.Algorithm != id.AlgorithmMegolmV1:
		return domain.InboundGroupSession{}, fmt.Errorf("room key algorithm %q: %w", content.Algorithm, domain.ErrMalformed)
	case content.SenderUser != sender || content.SenderDevice != sealed.SenderDevice:
		return domain.InboundGroupSession{}, fmt.Errorf("room key sender %s|%s delivered by %s: %w", content.SenderUser, content.SenderDevice, senderRef, domain.ErrSignatureInvalid)
	case content.RecipientUser != ident.UserID || content.RecipientDevice != ident.DeviceID:
		return domain.InboundGroupSession{}, fmt.Errorf("room key addressed to %s|%s: %w", content.RecipientUser, content.RecipientDevice, domain.ErrMalformed)
	case content.SessionID != megolm.SessionID(content.SessionSigning):
		return domain.InboundGroupSession{}, fmt.Errorf("room key session id does not match its signing key: %w", domain.ErrMalformed)
	}

	device, err := m.trust.ResolveDevice(ctx, senderRef)
	if err != nil {
		return domain.InboundGroupSession{}, fmt.Errorf("resolve sender device %s: %w", senderRef, err)
	}
	if device.IdentityKey != sealed.SenderKey {
		m.flag(senderRef, "room key sealed with an unrecorded identity key")
		return domain.InboundGroupSession{}, fmt.Errorf("sender key of %s does not match recorded device: %w", senderRef, domain.ErrSignatureInvalid)
	}
	if !crypto.VerifyCanonical(device.SigningKey, content.Unsigned(), content.Signature) {
		m.flag(senderRef, "invalid room key signature")
		return domain.InboundGroupSession{}, fmt.Errorf("room key from %s: %w", senderRef, domain.ErrSignatureInvalid)
	}

	unlock := m.inbound.Lock(inboundKey(content.RoomID, content.SessionID))
	defer unlock()

	existing, ok, err := m.sessions.LoadInbound(content.RoomID, content.SessionID)
	if err != nil {
		return domain.InboundGroupSession{}, err
	}
	if ok {
		if existing.SenderKey != sealed.SenderKey || existing.SigningKey != content.SessionSigning {
			return domain.InboundGroupSession{}, fmt.Errorf("session %s already owned by another device: %w", content.SessionID, domain.ErrSignatureInvalid)
		}
		log.Debug().Uint32("message_index", content.MessageIndex).Msg("ignoring share of known session")
		return existing, nil
	}

	sess := domain.InboundGroupSession{
		RoomID:          content.RoomID,
		SessionID:       content.SessionID,
		SenderUser:      sender,
		SenderDevice:    sealed.SenderDevice,
		SenderKey:       sealed.SenderKey,
		SigningKey:      content.SessionSigning,
		Ratchet:         domain.GroupRatchet{ChainKey: content.ChainKey, Index: content.MessageIndex},
		FirstKnownIndex: content.MessageIndex,
		ReceivedUTC:     m.now().UTC().Unix(),
	}
	if err := m.sessions.SaveInbound(sess); err != nil {
		return domain.InboundGroupSession{}, fmt.Errorf("save inbound session: %w", err)
	}
	log.Info().Uint32("message_index", content.MessageIndex).Msg("received room key")
	return sess, nil
}

// ImportInbound stores an inbound session obtained out of band. Known
// sessions are left untouched; imported reports whether sess was stored.
func (m *Manager) ImportInbound(sess domain.InboundGroupSession) (imported bool, err error) {
	if sess.SessionID != megolm.SessionID(sess.SigningKey) {
		return false, fmt.Errorf("session %s: id does not match signing key: %w", sess.SessionID, domain.ErrMalformed)
	}
	unlock := m.inbound.Lock(inboundKey(sess.RoomID, sess.SessionID))
	defer unlock()

	if _, ok, err := m.sessions.LoadInbound(sess.RoomID, sess.SessionID); err != nil || ok {
		return false, err
	}
	sess.Imported = true
	if sess.FirstKnownIndex > sess.Ratchet.Index {
		sess.FirstKnownIndex = sess.Ratchet.Index
	}
	if err := m.sessions.SaveInbound(sess); err != nil {
		return false, err
	}
	return true, nil
}

// Inbound returns the inbound session for (roomID, sessionID).
func (m *Manager) Inbound(roomID id.RoomID, sessionID id.SessionID) (domain.InboundGroupSession, bool, error) {
	return m.sessions.LoadInbound(roomID, sessionID)
}

// DecryptGroupMessage decrypts an m.room.encrypted room event content and
// commits the advanced ratchet. Failures are *domain.DecryptError. A message
// that fails authentication flags the device it claims to come from.
func (m *Manager) DecryptGroupMessage(roomID id.RoomID, content domain.EncryptedContent) (domain.GroupPayload, domain.InboundGroupSession, uint32, error) {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return domain.GroupPayload{}, domain.InboundGroupSession{}, 0,
			domain.NewDecryptError(domain.FailureMalformed, "unsupported algorithm "+string(content.Algorithm), nil)
	}

	unlock := m.inbound.Lock(inboundKey(roomID, content.SessionID))
	defer unlock()

	sess, ok, err := m.sessions.LoadInbound(roomID, content.SessionID)
	if err != nil {
		return domain.GroupPayload{}, domain.InboundGroupSession{}, 0, err
	}
	if !ok {
		return domain.GroupPayload{}, domain.InboundGroupSession{}, 0,
			domain.NewDecryptError(domain.FailureUnknownSession, "no key for session "+string(content.SessionID), domain.ErrUnknownSession)
	}
	if sess.SenderKey != content.SenderKey || sess.SenderDevice != content.DeviceID {
		m.flag(domain.DeviceRef{UserID: sess.SenderUser, DeviceID: content.DeviceID}, "claimed a group session owned by another device key")
		return domain.GroupPayload{}, sess, 0,
			domain.NewDecryptError(domain.FailureSignatureInvalid, "sender does not own session", nil)
	}

	plaintext, next, index, err := megolm.Decrypt(sess.Ratchet, sess.SigningKey, megolm.AD{RoomID: roomID, SessionID: content.SessionID}, content.Ciphertext)
	if err != nil {
		de := domain.AsDecryptError(err)
		if errors.Is(err, megolm.ErrIndexBehind) {
			de.Detail = fmt.Sprintf("index %d behind ratchet at %d", index, sess.Ratchet.Index)
			m.log.Warn().
				Str("room_id", string(roomID)).
				Str("session_id", string(content.SessionID)).
				Uint32("message_index", index).
				Uint32("ratchet_index", sess.Ratchet.Index).
				Msg("replayed or stale group message")
		} else if de.Kind == domain.FailureSignatureInvalid {
			m.flag(sess.Sender(), "group message failed authentication")
		}
		return domain.GroupPayload{}, sess, index, de
	}

	sess.Ratchet = next
	if err := m.sessions.SaveInbound(sess); err != nil {
		return domain.GroupPayload{}, sess, index, fmt.Errorf("persist ratchet: %w", err)
	}

	var payload domain.GroupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return domain.GroupPayload{}, sess, index, domain.NewDecryptError(domain.FailureMalformed, "payload", err)
	}
	if payload.RoomID != roomID {
		return domain.GroupPayload{}, sess, index, domain.NewDecryptError(domain.FailureMalformed, "payload bound to room "+string(payload.RoomID), nil)
	}
	return payload, sess, index, nil
}

func (m *Manager) flag(ref domain.DeviceRef, reason string) {
	if err := m.trust.FlagDevice(ref, reason); err != nil {
		m.log.Warn().Err(err).Str("user_id", string(ref.UserID)).Str("device_id", string(ref.DeviceID)).Msg("cannot flag device")
	}
}
