package types

import "maunium.net/go/mautrix/id"

// Identity holds this device's long-term X25519 and Ed25519 keys.
//
// It is created once per device installation and never regenerated once
// persisted.
type Identity struct {
	UserID       id.UserID      `json:"user_id"`
	DeviceID     id.DeviceID    `json:"device_id"`
	IdentityPub  X25519Public   `json:"identity_pub"`
	IdentityPriv X25519Private  `json:"identity_priv"`
	SigningPub   Ed25519Public  `json:"signing_pub"`
	SigningPriv  Ed25519Private `json:"signing_priv"`
	CreatedUTC   int64          `json:"created_utc"`
}

// Ref returns the device reference of this identity.
func (i Identity) Ref() DeviceRef {
	return DeviceRef{UserID: i.UserID, DeviceID: i.DeviceID}
}
