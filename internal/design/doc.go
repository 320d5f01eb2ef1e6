// Package design provides a reference design database for layoutd: a flat
// property map held in an automerge document, the snapshot and replica types
// the task core diffs and transports, an undo log, and a small set of tasks.
//
// The task core never looks inside it. The coordinator only calls Snapshot
// and the undo bracket; clients only call Replica.ApplyDiff.
package design
