package interfaces

import (
	"context"

	"maunium.net/go/mautrix/id"

	domaintypes "cipherroom/internal/domain/types"
)

// DeviceTrust is the view of the device identity store other services use.
type DeviceTrust interface {
	GetOrCreateIdentity(ctx context.Context) (domaintypes.Identity, error)
	Device(ref domaintypes.DeviceRef) (domaintypes.PeerDevice, bool, error)
	// ResolveDevice returns the recorded device, querying the homeserver if
	// it was never seen.
	ResolveDevice(ctx context.Context, ref domaintypes.DeviceRef) (domaintypes.PeerDevice, error)
	IsTrusted(userID id.UserID, deviceID id.DeviceID, blacklistUnverified bool) bool
	FlagDevice(ref domaintypes.DeviceRef, reason string) error
}

// CrossSigningStatus reports whether this account's cross-signing identity
// is usable.
type CrossSigningStatus interface {
	// CrossSigningFailed is true once a bootstrap attempt failed in this process.
	CrossSigningFailed() bool
}

// Reauthenticator obtains a fresh credential for a privileged request.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) (domaintypes.AuthData, error)
}

// OutcomeSink receives final decryption outcomes.
type OutcomeSink interface {
	Deliver(ctx context.Context, outcome domaintypes.Outcome) error
}
