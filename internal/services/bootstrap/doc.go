// Package bootstrap establishes the account's cross-signing identity.
//
// Bootstrap runs once per account. The first device generates the master,
// self-signing and user-signing keys, seals the private keys under a
// recovery passphrase in account data, uploads the public keys with a
// freshly obtained credential and signs its own device. Later devices
// recover the sealed keys instead of generating new ones.
//
// A failed attempt is recorded in the cross-signing store and reported by
// CrossSigningFailed until an attempt succeeds.
package bootstrap
