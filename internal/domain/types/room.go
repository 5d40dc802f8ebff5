package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// RoomEncryptionPolicy records that a room requires encryption.
//
// Once stored it is never downgraded for the lifetime of the account. The
// optional flags override the account-wide message policy for this room.
type RoomEncryptionPolicy struct {
	RoomID                 id.RoomID     `json:"room_id"`
	Algorithm              id.Algorithm  `json:"algorithm"`
	EnabledSinceUTC        int64         `json:"enabled_since_utc"`
	RotationPeriodMessages uint32        `json:"rotation_period_msgs,omitempty"`
	RotationPeriod         time.Duration `json:"rotation_period,omitempty"`
	BlockOnUnverified      *bool         `json:"block_on_unverified,omitempty"`
	ErrorOnUnknownDevices  *bool         `json:"error_on_unknown_devices,omitempty"`
}

// Enabled reports whether the policy declares an algorithm.
func (p RoomEncryptionPolicy) Enabled() bool { return p.Algorithm != "" }

// MessagePolicy is the per-send decision returned by the encryption gate.
type MessagePolicy struct {
	// BlockOnUnverified refuses to send while any recipient device is unverified.
	BlockOnUnverified bool `json:"block_on_unverified"`
	// ErrorOnUnknownDevices refuses to send when recipient devices were first
	// seen while resolving this send.
	ErrorOnUnknownDevices bool `json:"error_on_unknown_devices"`
}

// RotationSettings bound the lifetime of an outbound session.
type RotationSettings struct {
	MaxMessages uint32
	MaxAge      time.Duration
}

// RoomMembers is the cached joined-member set of a room.
type RoomMembers struct {
	RoomID  id.RoomID   `json:"room_id"`
	Joined  []id.UserID `json:"joined"`
	Changed bool        `json:"changed,omitempty"`
}
