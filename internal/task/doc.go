// Package task defines the unit of work executed against the shared design
// database, the envelope that carries it through scheduling and transport,
// and the tagged outcome reported back to the submitter.
//
// # Overview
//
// A Task declares its Kind up front:
//
//   - KindMutate: exclusive access, bracketed by an undo batch
//   - KindUndo: exclusive access, no undo batch
//   - KindReadOnly: shared access, may overlap other read-only tasks
//
// The coordinator grants the access before calling Run; tasks never take
// locks of their own.
//
// # Envelope Lifecycle
//
//	ClientQueued ──encode/send──▶ ServerQueued ──dequeue──▶ Running
//	                                                          │
//	                 local run ◀──────────────────────────────┤
//	                     │                                    │ remote run
//	                     ▼                                    ▼
//	                ClientDone ◀──────result sent────────  ServerDone
//
// Tasks skipped before they start (aborted, or the coordinator stopped) move
// straight from ServerQueued to their done state.
//
// # Field Descriptors
//
// Instead of inspecting task structs at runtime, every task publishes a
// table of Fields built with Var. The table drives three things:
//
//   - Encode writes every field into the wire form
//   - DecodeEnvelope rebuilds the task on the executing side
//   - EncodeResult/ApplyResult copy the fields Run reported through
//     RunContext.FieldChanged back onto the caller's original task
//
// # Wire Forms
//
// Both forms are CBOR. A task is {name, fields:[{name, value}]}; an outcome
// is {failure?:{kind, message}, fields:[{name, value}]}. Field values are
// the CBOR encoding of the Go value the descriptor points at.
//
// # Failures
//
// Errors and panics inside Run become Outcome failures and never escape to
// the coordinator. The one exception is ContractViolation, which signals that
// the exclusivity discipline is already broken and is treated as fatal.
package task
