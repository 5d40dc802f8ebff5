// Package decrypt turns encrypted room events into typed outcomes.
//
// Decrypt makes a single attempt. Submit queues an event on a worker owned
// by its (room, sender device) pair, so events of one sender are processed in
// arrival order while rooms and senders proceed in parallel. An event whose
// session key is missing is retried with bounded backoff, and immediately
// when the key arrives. Every submitted event yields exactly one final
// outcome on the sink, including when its room is cancelled.
package decrypt
