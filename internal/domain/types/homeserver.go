package types

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// LoginRequest is a password login.
type LoginRequest struct {
	Homeserver string
	Username   string
	Password   string
	// DeviceID reuses an existing device when set.
	DeviceID id.DeviceID
	// DisplayName names a newly created device.
	DisplayName string
}

// Credentials is what a successful login yields.
type Credentials struct {
	AccessToken string      `json:"access_token"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
}

// AuthData answers a user-interactive authentication challenge.
type AuthData struct {
	Type     string `json:"type"`
	Session  string `json:"session,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// CreateRoomRequest describes a room to create.
type CreateRoomRequest struct {
	Name      string      `json:"name,omitempty"`
	Topic     string      `json:"topic,omitempty"`
	Invite    []id.UserID `json:"invite,omitempty"`
	Preset    string      `json:"preset,omitempty"`
	Encrypted bool        `json:"-"`
}

// QueryKeysResponse carries the published keys of a set of users.
type QueryKeysResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKey            `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKey            `json:"self_signing_keys,omitempty"`
}

// ToDeviceMessages maps recipient user and device to a to-device content.
type ToDeviceMessages map[id.UserID]map[id.DeviceID]json.RawMessage

// Add stores content for one recipient device.
func (m ToDeviceMessages) Add(ref DeviceRef, content json.RawMessage) {
	byDevice, ok := m[ref.UserID]
	if !ok {
		byDevice = make(map[id.DeviceID]json.RawMessage)
		m[ref.UserID] = byDevice
	}
	byDevice[ref.DeviceID] = content
}

// Len returns the number of addressed devices.
func (m ToDeviceMessages) Len() int {
	n := 0
	for _, byDevice := range m {
		n += len(byDevice)
	}
	return n
}
