// Package megolm implements the group ratchet used for room messages.
//
// A session is a forward-only hash chain. Each message index i has its own
// chain key CK_i; the message key for i and the next chain key CK_{i+1} are
// both derived from CK_i with HKDF, after which CK_i is discarded. Holding
// CK_i therefore decrypts messages i and later, never earlier ones.
//
// Every ciphertext is signed with the session's Ed25519 key so recipients can
// tell which session holder produced it. The room and session ids are bound
// into both the AEAD associated data and the signature.
//
// Wire format (deterministic CBOR):
//
//	{1: version, 2: index, 3: aead ciphertext, 4: ed25519 signature}
package megolm
