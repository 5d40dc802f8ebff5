package domain

import (
	interfaces "cipherroom/internal/domain/interfaces"
	types "cipherroom/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Fingerprint          = types.Fingerprint
	DeviceRef            = types.DeviceRef
	Signature            = types.Signature
	Identity             = types.Identity
	VerificationStatus   = types.VerificationStatus
	DeviceKeys           = types.DeviceKeys
	PeerDevice           = types.PeerDevice
	GroupRatchet         = types.GroupRatchet
	OutboundGroupSession = types.OutboundGroupSession
	InboundGroupSession  = types.InboundGroupSession
	RoomEncryptionPolicy = types.RoomEncryptionPolicy
	MessagePolicy        = types.MessagePolicy
	RotationSettings     = types.RotationSettings
	RoomMembers          = types.RoomMembers
	RawEvent             = types.RawEvent
	ToDeviceEvent        = types.ToDeviceEvent
	RoomTimeline         = types.RoomTimeline
	SyncResponse         = types.SyncResponse
	BootstrapFailure     = types.BootstrapFailure
	EncryptedContent     = types.EncryptedContent
	GroupPayload         = types.GroupPayload
	RoomKeyContent       = types.RoomKeyContent
	SealedToDevice       = types.SealedToDevice
	OutcomeKind          = types.OutcomeKind
	Outcome              = types.Outcome
	CrossSigningKey      = types.CrossSigningKey
	CrossSigningKeys     = types.CrossSigningKeys
	CrossSigningSecrets  = types.CrossSigningSecrets
	CrossSigningState    = types.CrossSigningState
	SealedSecret         = types.SealedSecret
	AccountProfile       = types.AccountProfile
	LoginRequest         = types.LoginRequest
	Credentials          = types.Credentials
	AuthData             = types.AuthData
	CreateRoomRequest    = types.CreateRoomRequest
	QueryKeysResponse    = types.QueryKeysResponse
	ToDeviceMessages     = types.ToDeviceMessages
	X25519Public         = types.X25519Public
	X25519Private        = types.X25519Private
	Ed25519Public        = types.Ed25519Public
	Ed25519Private       = types.Ed25519Private
)

// Verification states and outcome kinds.
const (
	Unverified  = types.Unverified
	Verified    = types.Verified
	Blacklisted = types.Blacklisted

	OutcomePlaintext = types.OutcomePlaintext
	OutcomePending   = types.OutcomePending
	OutcomeFailed    = types.OutcomeFailed

	UsageMaster      = types.UsageMaster
	UsageSelfSigning = types.UsageSelfSigning
	UsageUserSigning = types.UsageUserSigning
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityStore      = interfaces.IdentityStore
	DeviceStore        = interfaces.DeviceStore
	GroupSessionStore  = interfaces.GroupSessionStore
	RoomStore          = interfaces.RoomStore
	CrossSigningStore  = interfaces.CrossSigningStore
	AccountStore       = interfaces.AccountStore
	SyncStore          = interfaces.SyncStore
	AuthAPI            = interfaces.AuthAPI
	RoomAPI            = interfaces.RoomAPI
	SyncAPI            = interfaces.SyncAPI
	KeysAPI            = interfaces.KeysAPI
	Homeserver         = interfaces.Homeserver
	DeviceTrust        = interfaces.DeviceTrust
	CrossSigningStatus = interfaces.CrossSigningStatus
	Reauthenticator    = interfaces.Reauthenticator
	OutcomeSink        = interfaces.OutcomeSink
)

// Key parsing and device ref helpers.
var (
	KeyEncoding        = types.KeyEncoding
	ParseX25519Public  = types.ParseX25519Public
	ParseEd25519Public = types.ParseEd25519Public
	ParseDeviceRef     = types.ParseDeviceRef
	CompareDeviceRefs  = types.CompareDeviceRefs
	SortDeviceRefs     = types.SortDeviceRefs
)
