package types

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// VerificationStatus is the local trust decision for a peer device.
type VerificationStatus int

const (
	Unverified VerificationStatus = iota
	Verified
	Blacklisted
)

// String returns the lower-case name of the status.
func (s VerificationStatus) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Blacklisted:
		return "blacklisted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s VerificationStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *VerificationStatus) UnmarshalText(b []byte) error {
	v, err := ParseVerificationStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseVerificationStatus maps a name to a VerificationStatus.
func ParseVerificationStatus(name string) (VerificationStatus, error) {
	switch name {
	case "unverified":
		return Unverified, nil
	case "verified":
		return Verified, nil
	case "blacklisted":
		return Blacklisted, nil
	}
	return Unverified, fmt.Errorf("unknown verification status %q", name)
}

// DeviceKeys is the public key announcement a device publishes.
//
// Signatures cover the deterministic encoding of every other field.
type DeviceKeys struct {
	UserID      id.UserID      `json:"user_id"`
	DeviceID    id.DeviceID    `json:"device_id"`
	Algorithms  []id.Algorithm `json:"algorithms"`
	IdentityKey X25519Public   `json:"identity_key"`
	SigningKey  Ed25519Public  `json:"signing_key"`
	Signatures  []Signature    `json:"signatures,omitempty"`
}

// Unsigned returns a copy with the signatures stripped, the form that is signed.
func (k DeviceKeys) Unsigned() DeviceKeys {
	k.Signatures = nil
	return k
}

// Ref returns the device reference of the announcement.
func (k DeviceKeys) Ref() DeviceRef {
	return DeviceRef{UserID: k.UserID, DeviceID: k.DeviceID}
}

// PeerDevice is a device of some user as observed by this client.
//
// Key material is immutable. A device that later announces different keys
// under the same device id gets a second record with KeyConflict set; the
// first record stays authoritative.
type PeerDevice struct {
	UserID       id.UserID          `json:"user_id"`
	DeviceID     id.DeviceID        `json:"device_id"`
	IdentityKey  X25519Public       `json:"identity_key"`
	SigningKey   Ed25519Public      `json:"signing_key"`
	Status       VerificationStatus `json:"status"`
	FirstSeenUTC int64              `json:"first_seen_utc"`
	KeyConflict  bool               `json:"key_conflict,omitempty"`
	Flagged      string             `json:"flagged,omitempty"`
}

// Ref returns the device reference.
func (d PeerDevice) Ref() DeviceRef {
	return DeviceRef{UserID: d.UserID, DeviceID: d.DeviceID}
}

// SameKeys reports whether the device announces exactly the keys in k.
func (d PeerDevice) SameKeys(k DeviceKeys) bool {
	return d.IdentityKey == k.IdentityKey && d.SigningKey == k.SigningKey
}
