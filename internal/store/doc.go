// Package store provides file-based persistence for cipherroom's state.
//
// It contains concrete implementations of the domain storage interfaces.
// Secret-bearing tables are sealed with a Keystore whose key is derived once
// from the user's passphrase with scrypt; public tables are plain JSON. The
// group session table is deterministic CBOR so ratchet state round-trips
// byte for byte. All methods are concurrency-safe via internal locking and
// all writes go through a temp file and rename.
//
// Layout under the home directory:
//
//	keystore.json                        scrypt parameters, salt and canary
//	account.enc                          logged-in account profile
//	accounts/<user>/<device>/identity.enc
//	accounts/<user>/<device>/devices.enc
//	accounts/<user>/<device>/sessions.enc
//	accounts/<user>/<device>/cross_signing.enc
//	accounts/<user>/<device>/rooms.json
//	accounts/<user>/<device>/sync.json
//
// The package includes stores for:
//   - Identity keys (IdentityFileStore)
//   - The device trust table (DeviceFileStore)
//   - Group sessions (GroupSessionFileStore)
//   - Room policies and members (RoomFileStore)
//   - Cross-signing state (CrossSigningFileStore)
//   - The account profile (AccountFileStore)
//   - The sync token (SyncFileStore)
package store
