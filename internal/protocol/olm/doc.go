// Package olm seals payloads from one device to another.
//
// It is used to deliver group session keys. The sender mixes two X25519
// agreements, a fresh ephemeral against the recipient identity key and the
// sender identity key against the recipient identity key, so only the
// recipient can open the payload and only a holder of the sender identity
// key could have produced it.
//
// # Flows
//
// Seal:
//  1. Generate an ephemeral X25519 key pair.
//  2. Compute DH(EK, IKr) and DH(IKs, IKr).
//  3. HKDF over the concatenated DH transcript, keyed to both identity keys
//     and the ephemeral, yields the AEAD key and nonce.
//  4. Encrypt with ChaCha20-Poly1305; the three public keys are the
//     associated data.
//
// Open mirrors the computation with DH(IKr, EK) and DH(IKr, IKs).
//
// The sealed payload carries no signature of its own; callers sign the
// payload content with the sender's Ed25519 device key.
package olm
