package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"

	domaintypes "cipherroom/internal/domain/types"
)

// AuthAPI logs in against a homeserver.
type AuthAPI interface {
	Login(ctx context.Context, req domaintypes.LoginRequest) (domaintypes.Credentials, error)
}

// RoomAPI covers room state, timeline sends and membership.
type RoomAPI interface {
	// GetRoomState returns domain.ErrNotFound when the state event is absent.
	GetRoomState(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error)
	SetRoomState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error)
	SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	CreateRoom(ctx context.Context, req domaintypes.CreateRoomRequest) (id.RoomID, error)
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

// SyncAPI returns batches of the live event stream.
type SyncAPI interface {
	Sync(ctx context.Context, since string, timeout time.Duration) (domaintypes.SyncResponse, error)
}

// KeysAPI publishes and fetches key material and delivers to-device messages.
type KeysAPI interface {
	UploadDeviceKeys(ctx context.Context, keys domaintypes.DeviceKeys) error
	QueryKeys(ctx context.Context, users []id.UserID) (domaintypes.QueryKeysResponse, error)
	SendToDevice(ctx context.Context, eventType string, messages domaintypes.ToDeviceMessages) error
	// UploadCrossSigningKeys requires user-interactive auth; without a valid
	// auth it fails with *domain.UIAError.
	UploadCrossSigningKeys(ctx context.Context, keys domaintypes.CrossSigningKeys, auth *domaintypes.AuthData) error
	UploadSignatures(ctx context.Context, signed []domaintypes.DeviceKeys) error
	SetAccountData(ctx context.Context, eventType string, content any) error
	// GetAccountData returns domain.ErrNotFound when no such data was stored.
	GetAccountData(ctx context.Context, eventType string) (json.RawMessage, error)
}

// Homeserver is the complete external collaborator.
type Homeserver interface {
	AuthAPI
	RoomAPI
	SyncAPI
	KeysAPI
}
