package types

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// String returns "user|device", the form used as a map key in persisted state.
func (r DeviceRef) String() string {
	return string(r.UserID) + "|" + string(r.DeviceID)
}

// ParseDeviceRef reverses DeviceRef.String.
func ParseDeviceRef(s string) (DeviceRef, error) {
	user, device, ok := strings.Cut(s, "|")
	if !ok || user == "" || device == "" {
		return DeviceRef{}, fmt.Errorf("malformed device ref %q", s)
	}
	return DeviceRef{UserID: id.UserID(user), DeviceID: id.DeviceID(device)}, nil
}

// Signature is one detached Ed25519 signature and the key that produced it.
type Signature struct {
	SignerUser id.UserID     `json:"signer_user"`
	SignerKey  Ed25519Public `json:"signer_key"`
	Sig        []byte        `json:"sig"`
}
