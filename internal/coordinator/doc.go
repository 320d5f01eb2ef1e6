// Package coordinator implements the scheduling core of layoutd: the single
// point through which every task touching the shared design database is
// queued, ordered and executed.
//
// # Overview
//
// The design database has exactly one writer at a time and any number of
// readers, but never both at once. The coordinator enforces this with queue
// discipline rather than a read/write lock, so the critical section (running
// the task) is never interrupted by lock bookkeeping.
//
// # Architecture
//
//	              submit / enqueue
//	                     │
//	                     ▼
//	┌─────────────────────────────────────────┐
//	│              COORDINATOR                │
//	├─────────────────────────────────────────┤
//	│  waiting:  [M1] [R3] [M2] [R4]          │
//	│  started:  [R1] [R2]                    │
//	│  activeReadOnly: 2                      │
//	├─────────────────────────────────────────┤
//	│  scheduling goroutine                   │
//	│    - dispatches readers immediately     │
//	│    - runs M/U tasks itself, one by one  │
//	│    - publishes a snapshot after each    │
//	└───────────┬───────────────────┬─────────┘
//	            │                   │
//	     reader goroutines     snapshot subscribers
//	     (one per task)        (server sessions)
//
// # Selection Rule
//
// On every wake-up the scheduling goroutine:
//  1. Completes every waiting task whose abort flag is already set, without
//     running it
//  2. Dispatches every waiting read-only task on its own goroutine
//  3. If no read-only task is running, pops the head exclusive task and runs
//     it to completion on the scheduling goroutine
//
// Given R1, R2 then M1, both readers start before M1, and M1 starts only
// after both have returned. Readers submitted while M1 runs wait for it, then
// run before any later writer. A continuous stream of readers therefore
// starves writers; this is the documented policy, not an oversight.
//
// # Exclusive Tasks
//
// Mutate tasks are bracketed by the undo recorder's BeginBatch/EndBatch.
// Undo tasks are not. After either kind returns, the coordinator takes a new
// database snapshot, hands it to every subscriber, and only then completes
// the envelope, so a remote client receives the state change before the
// task result.
//
// # Failures
//
//   - error returned by Run: outcome failure of kind "task"
//   - error after the abort flag was set, or ErrAborted: kind "aborted"
//   - panic in Run: kind "panic", the coordinator keeps running
//   - task.ContractViolation panic: fatal, see WithFatal
//
// # Cancellation
//
// Abort only sets a flag. A task that never polls RunContext.Aborted runs to
// normal completion; the coordinator never interrupts a goroutine.
//
// # Long-Running Tasks
//
// TaskMonitor polls Coordinator.Running and logs, once per task, any task
// that has been inside Run longer than its threshold. Nothing is killed.
//
// # Batch Mode
//
// Execute runs a task inline on the caller's goroutine without starting the
// scheduling loop, for processes that never run more than one thing at once.
//
// # Usage Example
//
//	coord := coordinator.New(store, coordinator.WithUndo(store), coordinator.WithLogger(logger))
//	store.SetGuard(coord.CanMutate)
//	if err := coord.Start(ctx); err != nil {
//	    return err
//	}
//	defer coord.Stop()
//
//	env, err := coord.Submit(&design.SetProperty{Key: "cell/nand2/width", Value: "42"})
//	if err != nil {
//	    return err
//	}
//	out, err := env.Wait(ctx)
//
// # Testing
//
//	go test ./internal/coordinator/... -race
package coordinator
