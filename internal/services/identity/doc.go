// Package identity is the device identity store of a client.
//
// It creates and persists the long-term identity of this device, publishes
// its signed device keys, and keeps the trust table of peer devices. Key
// material recorded for a device never changes: a later announcement with
// different keys is kept as a separate conflict record and reported as a
// *domain.KeyChangeError.
package identity
