// Package groupsession creates, rotates and shares the group sessions that
// encrypt room messages, and keeps the inbound sessions that decrypt them.
//
// Ratchet state for a room is only mutated under that room's lock. Sharing a
// session key with recipient devices is network I/O and happens with the
// lock released; a device counts as a recipient only once the share has been
// delivered.
package groupsession
