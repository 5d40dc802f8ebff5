// Package gate decides whether a room is encrypted and how strictly a send
// must treat its recipient devices.
//
// A room policy, once enabled, is never downgraded. Per-message flags have
// account-wide defaults that a room may override.
package gate
