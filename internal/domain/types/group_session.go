package types

import (
	"slices"

	"maunium.net/go/mautrix/id"
)

// GroupRatchet is the forward-only hash ratchet behind a group session.
//
// ChainKey is the key for message Index; older keys are not recoverable.
type GroupRatchet struct {
	ChainKey [32]byte `json:"chain_key"`
	Index    uint32   `json:"index"`
}

// OutboundGroupSession is the session this device encrypts a room's messages with.
//
// Once Rotated is set the session is retained read-only and never encrypts again.
type OutboundGroupSession struct {
	RoomID         id.RoomID         `json:"room_id"`
	SessionID      id.SessionID      `json:"session_id"`
	Ratchet        GroupRatchet      `json:"ratchet"`
	SigningPriv    Ed25519Private    `json:"signing_priv"`
	CreatedUTC     int64             `json:"created_utc"`
	MessageCount   uint32            `json:"message_count"`
	Recipients     []DeviceRef       `json:"recipients"`
	SharedWith     map[string]uint32 `json:"shared_with,omitempty"`
	Rotated        bool              `json:"rotated,omitempty"`
	RotationReason string            `json:"rotation_reason,omitempty"`
}

// SigningPub returns the session's public signing key.
func (s OutboundGroupSession) SigningPub() Ed25519Public { return s.SigningPriv.Public() }

// HasRecipient reports whether ref was part of the recipient set at creation
// or added since.
func (s OutboundGroupSession) HasRecipient(ref DeviceRef) bool {
	_, ok := slices.BinarySearchFunc(s.Recipients, ref, CompareDeviceRefs)
	return ok
}

// SharedWithDevice reports whether the session key was delivered to ref.
func (s OutboundGroupSession) SharedWithDevice(ref DeviceRef) bool {
	_, ok := s.SharedWith[ref.String()]
	return ok
}

// InboundGroupSession decrypts one sender device's messages in one room.
type InboundGroupSession struct {
	RoomID          id.RoomID     `json:"room_id"`
	SessionID       id.SessionID  `json:"session_id"`
	SenderUser      id.UserID     `json:"sender_user"`
	SenderDevice    id.DeviceID   `json:"sender_device"`
	SenderKey       X25519Public  `json:"sender_key"`
	SigningKey      Ed25519Public `json:"signing_key"`
	Ratchet         GroupRatchet  `json:"ratchet"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	ReceivedUTC     int64         `json:"received_utc"`
	Imported        bool          `json:"imported,omitempty"`
}

// Sender returns the device that owns the session.
func (s InboundGroupSession) Sender() DeviceRef {
	return DeviceRef{UserID: s.SenderUser, DeviceID: s.SenderDevice}
}

// CompareDeviceRefs orders refs by user then device.
func CompareDeviceRefs(a, b DeviceRef) int {
	if a.UserID != b.UserID {
		if a.UserID < b.UserID {
			return -1
		}
		return 1
	}
	switch {
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	}
	return 0
}

// SortDeviceRefs returns a sorted copy of refs without duplicates.
func SortDeviceRefs(refs []DeviceRef) []DeviceRef {
	out := slices.Clone(refs)
	slices.SortFunc(out, CompareDeviceRefs)
	return slices.Compact(out)
}
