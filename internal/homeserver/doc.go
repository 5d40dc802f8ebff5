// Package homeserver is the HTTP adapter for the Matrix client-server API.
//
// It implements the domain Homeserver interface (AuthAPI, RoomAPI, SyncAPI,
// KeysAPI) against the v3 endpoints. Every non-2xx response becomes a
// *MatrixError; transport failures, 5xx responses and rate limiting match
// domain.ErrNetworkTransient. Reads are retried with bounded exponential
// backoff, writes never are.
//
// Key material is translated between the domain types and the Matrix wire
// shapes ("keys" maps keyed by "<algorithm>:<key id>", nested signature maps)
// in wire.go.
package homeserver
