// Package crypto exposes the primitives cipherroom builds its protocols on.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Deterministic CBOR encoding for anything that is signed (Canonical,
//     SignCanonical, VerifyCanonical)
//   - Passphrase sealing of small secrets with an Argon2id KEK (SealSecret,
//     OpenSecret)
//   - Short public-key fingerprints for display (Fingerprint)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on memzero.Zero when practical to reduce lifetime in
// memory.
package crypto
