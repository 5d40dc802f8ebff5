package types

import "maunium.net/go/mautrix/id"

// Cross-signing key usages.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// CrossSigningKey is one published cross-signing public key.
type CrossSigningKey struct {
	UserID     id.UserID     `json:"user_id"`
	Usage      string        `json:"usage"`
	Key        Ed25519Public `json:"key"`
	Signatures []Signature   `json:"signatures,omitempty"`
}

// Unsigned returns a copy with the signatures stripped.
func (k CrossSigningKey) Unsigned() CrossSigningKey {
	k.Signatures = nil
	return k
}

// CrossSigningKeys is the public half of a user's cross-signing identity.
type CrossSigningKeys struct {
	Master      CrossSigningKey `json:"master"`
	SelfSigning CrossSigningKey `json:"self_signing"`
	UserSigning CrossSigningKey `json:"user_signing"`
}

// CrossSigningSecrets is the private half, only ever persisted sealed.
type CrossSigningSecrets struct {
	Master      Ed25519Private `json:"master"`
	SelfSigning Ed25519Private `json:"self_signing"`
	UserSigning Ed25519Private `json:"user_signing"`
}

// SealedSecret is a passphrase-sealed blob kept in secret storage.
type SealedSecret struct {
	Version    int    `json:"v"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// BootstrapFailure records a failed cross-signing bootstrap until one
// succeeds.
type BootstrapFailure struct {
	Reason    string `json:"reason"`
	FailedUTC int64  `json:"failed_utc"`
}

// CrossSigningState is what this client persists after bootstrap.
type CrossSigningState struct {
	Public          CrossSigningKeys `json:"public"`
	Sealed          SealedSecret     `json:"sealed"`
	SelfSigning     Ed25519Private   `json:"self_signing"`
	BootstrappedUTC int64            `json:"bootstrapped_utc"`
}
