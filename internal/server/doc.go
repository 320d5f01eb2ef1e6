// Package server exposes a coordinator to remote clients.
//
// A Listener accepts connections and starts one Session per connection. Each
// Session runs two loops over the byte stream, framed by package wire:
//
//	client ──task frame──▶ readLoop ──DecodeEnvelope──▶ Coordinator.Enqueue
//	                                                         │
//	client ◀──tag 1 diff── writeLoop ◀──Subscribe(snapshot)──┤
//	client ◀──tag 2 result─ writeLoop ◀──Envelope.OnDone──────┘
//
// # Handshake
//
// The first message on every connection is a tag 1 diff of the current
// snapshot against the empty baseline, so a fresh client replica holds the
// whole database before any task traffic.
//
// # Ordering
//
// The coordinator publishes a new snapshot before it finishes the exclusive
// task that produced it, and the writer always drains a pending snapshot
// before a pending result. A client therefore applies the state a task
// produced before it sees the task's outcome.
//
// # Failure Isolation
//
// A read, decode or write error ends only the owning session. Tasks that
// session already enqueued run to completion; their results are logged and
// dropped. Malformed task frames are not transport errors: they become
// envelopes rejected with a decode or unknown-task failure, and the client
// receives that failure as the task's result.
//
// Clients keep at most one task outstanding. A second result arriving while
// one is still unsent ends the session with ErrSecondResult.
package server
