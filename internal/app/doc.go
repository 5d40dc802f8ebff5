// Package app wires the client for one home directory.
//
// App owns the keystore and the stored account; Client bundles the
// homeserver adapter, stores and services of the logged-in device. Both are
// plain values passed to callers, so several isolated clients can live in one
// process.
package app
