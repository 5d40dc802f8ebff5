package interfaces

import (
	"maunium.net/go/mautrix/id"

	domaintypes "cipherroom/internal/domain/types"
)

// IdentityStore persists this device's long-term identity keys.
type IdentityStore interface {
	SaveIdentity(identity domaintypes.Identity) error
	LoadIdentity() (domaintypes.Identity, bool, error)
}

// DeviceStore is the peer device trust table.
//
// Conflicting key announcements are kept beside the primary record and never
// replace it.
type DeviceStore interface {
	SaveDevice(device domaintypes.PeerDevice) error
	LoadDevice(ref domaintypes.DeviceRef) (domaintypes.PeerDevice, bool, error)
	// ListDevices returns primary records for user, or for everyone when user is empty.
	ListDevices(user id.UserID) ([]domaintypes.PeerDevice, error)
	AppendConflict(device domaintypes.PeerDevice) error
	ListConflicts(ref domaintypes.DeviceRef) ([]domaintypes.PeerDevice, error)
}

// GroupSessionStore is the session table: outbound sessions per room and
// inbound sessions per (room, session).
type GroupSessionStore interface {
	SaveOutbound(session domaintypes.OutboundGroupSession) error
	LoadOutbound(roomID id.RoomID, sessionID id.SessionID) (domaintypes.OutboundGroupSession, bool, error)
	// CurrentOutbound returns the room's session that has not been rotated, if any.
	CurrentOutbound(roomID id.RoomID) (domaintypes.OutboundGroupSession, bool, error)
	ListOutbound(roomID id.RoomID) ([]domaintypes.OutboundGroupSession, error)

	SaveInbound(session domaintypes.InboundGroupSession) error
	LoadInbound(roomID id.RoomID, sessionID id.SessionID) (domaintypes.InboundGroupSession, bool, error)
	ListInbound() ([]domaintypes.InboundGroupSession, error)
}

// RoomStore keeps encryption policies and member caches per room.
type RoomStore interface {
	SavePolicy(policy domaintypes.RoomEncryptionPolicy) error
	LoadPolicy(roomID id.RoomID) (domaintypes.RoomEncryptionPolicy, bool, error)
	ListPolicies() ([]domaintypes.RoomEncryptionPolicy, error)

	SaveMembers(members domaintypes.RoomMembers) error
	LoadMembers(roomID id.RoomID) (domaintypes.RoomMembers, bool, error)
}

// CrossSigningStore persists the bootstrapped cross-signing identity.
type CrossSigningStore interface {
	SaveCrossSigning(state domaintypes.CrossSigningState) error
	LoadCrossSigning() (domaintypes.CrossSigningState, bool, error)

	// SaveBootstrapFailure records a failed bootstrap; nil clears the record.
	SaveBootstrapFailure(failure *domaintypes.BootstrapFailure) error
	LoadBootstrapFailure() (domaintypes.BootstrapFailure, bool, error)
}

// AccountStore persists the logged-in account profile.
type AccountStore interface {
	SaveAccount(profile domaintypes.AccountProfile) error
	LoadAccount() (domaintypes.AccountProfile, bool, error)
}

// SyncStore persists the live stream position.
type SyncStore interface {
	SaveSyncToken(token string) error
	LoadSyncToken() (string, error)
}
