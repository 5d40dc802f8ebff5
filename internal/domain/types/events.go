package types

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// RawEvent is a room event as delivered by the homeserver.
type RawEvent struct {
	EventID        id.EventID      `json:"event_id"`
	RoomID         id.RoomID       `json:"room_id"`
	Sender         id.UserID       `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// IsState reports whether the event carries a state key.
func (e RawEvent) IsState() bool { return e.StateKey != nil }

// ToDeviceEvent is a message addressed to one device rather than a room.
type ToDeviceEvent struct {
	Sender  id.UserID       `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// RoomTimeline is the slice of one joined room returned by a sync.
type RoomTimeline struct {
	State  []RawEvent `json:"state,omitempty"`
	Events []RawEvent `json:"events,omitempty"`
}

// SyncResponse is one batch of the live event stream.
type SyncResponse struct {
	NextBatch          string                     `json:"next_batch"`
	Joined             map[id.RoomID]RoomTimeline `json:"joined,omitempty"`
	Left               []id.RoomID                `json:"left,omitempty"`
	ToDevice           []ToDeviceEvent            `json:"to_device,omitempty"`
	DeviceListsChanged []id.UserID                `json:"device_lists_changed,omitempty"`
}

// EncryptedContent is the content of an m.room.encrypted room event.
type EncryptedContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	SenderKey  X25519Public `json:"sender_key"`
	DeviceID   id.DeviceID  `json:"device_id"`
	SessionID  id.SessionID `json:"session_id"`
	Ciphertext []byte       `json:"ciphertext"`
}

// GroupPayload is the cleartext sealed inside a group-session ciphertext.
//
// RoomID is bound into the payload so a ciphertext cannot be replayed into
// another room.
type GroupPayload struct {
	Type    string          `json:"type"`
	RoomID  id.RoomID       `json:"room_id"`
	Content json.RawMessage `json:"content"`
}

// RoomKeyContent shares an inbound group session with one recipient device.
//
// The sender device signs the deterministic encoding of every field but
// Signature.
type RoomKeyContent struct {
	Algorithm       id.Algorithm  `json:"algorithm"`
	RoomID          id.RoomID     `json:"room_id"`
	SessionID       id.SessionID  `json:"session_id"`
	ChainKey        [32]byte      `json:"chain_key"`
	MessageIndex    uint32        `json:"message_index"`
	SessionSigning  Ed25519Public `json:"session_signing"`
	SenderUser      id.UserID     `json:"sender_user"`
	SenderDevice    id.DeviceID   `json:"sender_device"`
	RecipientUser   id.UserID     `json:"recipient_user"`
	RecipientDevice id.DeviceID   `json:"recipient_device"`
	Signature       []byte        `json:"signature,omitempty"`
}

// Unsigned returns a copy with the signature cleared.
func (c RoomKeyContent) Unsigned() RoomKeyContent {
	c.Signature = nil
	return c
}

// SealedToDevice is the content of an m.room.encrypted to-device event
// carrying a pairwise-sealed payload.
type SealedToDevice struct {
	Algorithm    id.Algorithm `json:"algorithm"`
	SenderKey    X25519Public `json:"sender_key"`
	SenderDevice id.DeviceID  `json:"sender_device"`
	RecipientKey X25519Public `json:"recipient_key"`
	Ephemeral    X25519Public `json:"ephemeral"`
	Ciphertext   []byte       `json:"ciphertext"`
}
