package types

import "maunium.net/go/mautrix/id"

// AccountProfile is the logged-in account this client acts for.
type AccountProfile struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
	// KeysUploaded is set once the device keys were published.
	KeysUploaded bool `json:"keys_uploaded,omitempty"`
}

// Ref returns the device this account logged in as.
func (a AccountProfile) Ref() DeviceRef {
	return DeviceRef{UserID: a.UserID, DeviceID: a.DeviceID}
}
